package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinicdesk/clinic-booking/internal/api"
	"github.com/clinicdesk/clinic-booking/internal/booking"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/config"
	"github.com/clinicdesk/clinic-booking/internal/db"
	"github.com/clinicdesk/clinic-booking/internal/metrics"
	"github.com/clinicdesk/clinic-booking/internal/outbox"
	"github.com/clinicdesk/clinic-booking/internal/payment"
	"github.com/clinicdesk/clinic-booking/internal/principal"
	"github.com/clinicdesk/clinic-booking/internal/redisclient"
)

const version = "0.3.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s", cfg.Env, cfg.HTTPPort)

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

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	m := metrics.NewBookingMetrics(prometheus.DefaultRegisterer)

	principalRepo := principal.NewPgRepository(pgPool)
	calendarRepo := calendar.NewPgRepository(pgPool)
	ledgerRepo := booking.NewPgRepository(pgPool)
	eventRepo := payment.NewPgEventRepository(pgPool)
	outboxRepo := outbox.NewRepository(pgPool)

	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	signer := principal.NewTokenSigner(cfg.JWTSecret, cfg.TokenTTL)

	directory := principal.NewService(principalRepo)
	bookingSvc := booking.NewService(ledgerRepo, calendarRepo, principalRepo, locker, m, cfg)

	gateway := payment.NewStripeGateway(cfg.StripeSecretKey)
	payLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "payment")
	paymentSvc := payment.NewService(ledgerRepo, calendarRepo, eventRepo, gateway, outboxRepo, m, cfg, payLogger)

	router := api.NewRouter(api.RouterConfig{
		Booking:   bookingSvc,
		Payment:   paymentSvc,
		Directory: directory,
		Signer:    signer,
		Calendar:  calendarRepo,
		PgPool:    pgPool,
		Redis:     rdb,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()

	log.Println("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
