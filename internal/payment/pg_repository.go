package payment

import (
	"context"
	"fmt"

	"github.com/clinicdesk/clinic-booking/internal/db"
)

type PgEventRepository struct {
	pool db.Querier
}

func NewPgEventRepository(pool db.Querier) *PgEventRepository {
	return &PgEventRepository{pool: pool}
}

func (r *PgEventRepository) Insert(ctx context.Context, rec EventRecord) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO payment_events (gateway_event_id, appointment_id, event_type, signature_ok, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (gateway_event_id) DO NOTHING
	`, rec.GatewayEventID, rec.AppointmentID, rec.EventType, rec.SignatureOK, rec.Payload)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (r *PgEventRepository) WasProcessed(ctx context.Context, gatewayEventID string) (bool, error) {
	var processed bool
	err := r.pool.QueryRow(ctx, `
		SELECT processed
		FROM payment_events
		WHERE gateway_event_id = $1
	`, gatewayEventID).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("load payment event outcome: %w", err)
	}
	return processed, nil
}

func (r *PgEventRepository) SetOutcome(ctx context.Context, gatewayEventID string, processed bool, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payment_events
		SET processed = $2,
		    failure_reason = NULLIF($3, '')
		WHERE gateway_event_id = $1
	`, gatewayEventID, processed, reason)
	if err != nil {
		return fmt.Errorf("set payment event outcome: %w", err)
	}
	return nil
}
