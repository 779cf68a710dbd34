package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/clinic-booking/internal/db"
	"github.com/clinicdesk/clinic-booking/internal/principal"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	// Same dev password for every seeded account, hashed once.
	hash, err := principal.HashPassword("password123")
	if err != nil {
		log.Fatalf("hash seed password: %v", err)
	}

	if err := seedProviders(context.Background(), pool, hash, 50); err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedPatients(context.Background(), pool, hash, 500); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedOperator(context.Background(), pool, hash); err != nil {
		log.Fatalf("seed operator: %v", err)
	}

	log.Println("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, hash string, count int) error {
	log.Printf("seeding %d providers", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.Name()
		identifier := fmt.Sprintf("provider%d@clinicdesk.test", i+1)
		specialty := specialties[i%len(specialties)]
		// Fees between 20.00 and 150.00 in minor units.
		fee := int64(gofakeit.Number(2000, 15000))

		if _, err := tx.Exec(ctx, `
			INSERT INTO principals (id, identifier, display_name, role, password_hash)
			VALUES ($1, $2, $3, 'provider', $4)
		`, id, identifier, name, hash); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO providers (id, specialty, fee_minor, available)
			VALUES ($1, $2, $3, true)
		`, id, specialty, fee); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, hash string, count int) error {
	log.Printf("seeding %d patients", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		identifier := fmt.Sprintf("patient%d@clinicdesk.test", i+1)

		if _, err := tx.Exec(ctx, `
			INSERT INTO principals (id, identifier, display_name, role, password_hash)
			VALUES ($1, $2, $3, 'patient', $4)
		`, id, identifier, name, hash); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func seedOperator(ctx context.Context, pool *pgxpool.Pool, hash string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO principals (id, identifier, display_name, role, password_hash)
		VALUES ($1, 'ops@clinicdesk.test', 'Front Desk', 'operator', $2)
		ON CONFLICT (identifier) DO NOTHING
	`, uuid.New(), hash)
	return err
}
