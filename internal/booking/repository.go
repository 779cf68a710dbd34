package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrStateConflict means the compare-and-swap transition found the
	// appointment in a different state than expected. Callers treat it as a
	// lost race, not a fault.
	ErrStateConflict = errors.New("appointment state changed concurrently")
)

// NewAppointment carries everything the ledger needs to create a
// pending_payment entry.
type NewAppointment struct {
	PatientID        uuid.UUID
	ProviderID       uuid.UUID
	SlotDate         string
	SlotTime         string
	AmountMinor      int64
	PatientSnapshot  PatientSnapshot
	ProviderSnapshot ProviderSnapshot
	ExpiresAt        time.Time
}

// Repository contains all DB interactions needed by the orchestrator, the
// payment engine and the expiry worker.
type Repository interface {
	CreatePending(ctx context.Context, a NewAppointment) (*Appointment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Transition applies the state change only if the current state equals
	// from; otherwise it returns ErrStateConflict without mutating.
	Transition(ctx context.Context, id uuid.UUID, from, to State) (*Appointment, error)

	SetPaymentRef(ctx context.Context, id uuid.UUID, ref string) error

	// Expiry worker
	FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
