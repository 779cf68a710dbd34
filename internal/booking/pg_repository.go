package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

const appointmentColumns = `
	id, patient_id, provider_id,
	to_char(slot_date, 'YYYY-MM-DD'), slot_time,
	amount_minor, patient_snapshot, provider_snapshot,
	state, payment_ref, created_at, state_changed_at, expires_at
`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var patientSnap, providerSnap []byte
	var paymentRef *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.SlotDate,
		&a.SlotTime,
		&a.AmountMinor,
		&patientSnap,
		&providerSnap,
		&a.State,
		&paymentRef,
		&a.CreatedAt,
		&a.StateChangedAt,
		&a.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(patientSnap, &a.PatientSnapshot); err != nil {
		return nil, fmt.Errorf("decode patient snapshot: %w", err)
	}
	if err := json.Unmarshal(providerSnap, &a.ProviderSnapshot); err != nil {
		return nil, fmt.Errorf("decode provider snapshot: %w", err)
	}

	a.PaymentRef = paymentRef
	return &a, nil
}

func (r *PgRepository) CreatePending(ctx context.Context, na NewAppointment) (*Appointment, error) {
	id := uuid.New()

	patientSnap, err := json.Marshal(na.PatientSnapshot)
	if err != nil {
		return nil, fmt.Errorf("encode patient snapshot: %w", err)
	}
	providerSnap, err := json.Marshal(na.ProviderSnapshot)
	if err != nil {
		return nil, fmt.Errorf("encode provider snapshot: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, provider_id, slot_date, slot_time,
			amount_minor, patient_snapshot, provider_snapshot,
			state, created_at, state_changed_at, expires_at
		)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, now(), now(), $10)
		RETURNING `+appointmentColumns,
		id, na.PatientID, na.ProviderID, na.SlotDate, na.SlotTime,
		na.AmountMinor, patientSnap, providerSnap,
		StatePendingPayment, na.ExpiresAt,
	)

	return scanAppointment(row)
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) Transition(ctx context.Context, id uuid.UUID, from, to State) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET state = $2,
		    state_changed_at = now()
		WHERE id = $1
		  AND state = $3
		RETURNING `+appointmentColumns,
		id, to, from)

	appt, err := scanAppointment(row)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, err
	}

	// Zero rows: either the row is missing or the guard failed. Disambiguate
	// so callers can tell a lost race from a bad id.
	var exists bool
	if err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrStateConflict
	}
	return nil, ErrAppointmentNotFound
}

func (r *PgRepository) SetPaymentRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET payment_ref = $2
		WHERE id = $1
	`, id, ref)
	if err != nil {
		return fmt.Errorf("set payment ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE state = $1
		  AND expires_at < $2
	`, StatePendingPayment, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, providerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var appID *uuid.UUID
	if ev.AppointmentID != nil {
		appID = ev.AppointmentID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, appID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
