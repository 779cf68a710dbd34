package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicdesk/clinic-booking/internal/config"
	"github.com/clinicdesk/clinic-booking/internal/db"
	"github.com/clinicdesk/clinic-booking/internal/outbox"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("reconcile-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running reconcile worker in env=%s poll=%s brokers=%q", cfg.Env, cfg.OutboxInterval, cfg.KafkaBrokers)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	repo := outbox.NewRepository(pgPool)
	publisher := outbox.NewPublisher(repo, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokerList(),
		PollEvery: cfg.OutboxInterval,
	})

	publisher.Run(rootCtx)

	log.Println("shutting down reconcile-worker")
}
