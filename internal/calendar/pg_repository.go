package calendar

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicdesk/clinic-booking/internal/db"
)

type PgRepository struct {
	pool db.Querier
}

func NewPgRepository(pool db.Querier) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var specialty *string

	err := row.Scan(
		&p.ID,
		&specialty,
		&p.FeeMinor,
		&p.Available,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	p.Specialty = specialty
	return &p, nil
}

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, specialty, fee_minor, available, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) SetFee(ctx context.Context, id uuid.UUID, feeMinor int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE providers
		SET fee_minor = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, feeMinor)
	if err != nil {
		return fmt.Errorf("set provider fee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func (r *PgRepository) SetAvailable(ctx context.Context, id uuid.UUID, available bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE providers
		SET available = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, available)
	if err != nil {
		return fmt.Errorf("set provider availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func (r *PgRepository) IsSlotFree(ctx context.Context, providerID uuid.UUID, date, timeLabel string) (bool, error) {
	var free bool
	err := r.pool.QueryRow(ctx, `
		SELECT p.available
		       AND NOT EXISTS (
		           SELECT 1 FROM booked_slots b
		           WHERE b.provider_id = p.id
		             AND b.slot_date = $2::date
		             AND b.slot_time = $3
		       )
		FROM providers p
		WHERE p.id = $1
	`, providerID, date, timeLabel).Scan(&free)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrProviderNotFound
		}
		return false, err
	}
	return free, nil
}

// ClaimSlot relies on the unique index on (provider_id, slot_date, slot_time):
// the conditional insert either claims the slot or affects zero rows when
// someone else already holds it.
func (r *PgRepository) ClaimSlot(ctx context.Context, providerID uuid.UUID, date, timeLabel string) (uuid.UUID, error) {
	claimID := uuid.New()

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO booked_slots (id, provider_id, slot_date, slot_time, created_at)
		VALUES ($1, $2, $3::date, $4, now())
		ON CONFLICT (provider_id, slot_date, slot_time) DO NOTHING
	`, claimID, providerID, date, timeLabel)
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrSlotUnavailable
	}

	return claimID, nil
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, providerID uuid.UUID, date, timeLabel string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM booked_slots
		WHERE provider_id = $1
		  AND slot_date = $2::date
		  AND slot_time = $3
	`, providerID, date, timeLabel)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *PgRepository) ListBookedTimes(ctx context.Context, providerID uuid.UUID, date string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slot_time
		FROM booked_slots
		WHERE provider_id = $1
		  AND slot_date = $2::date
		ORDER BY slot_time
	`, providerID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return times, nil
}
