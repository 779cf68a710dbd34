package booking

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	// StatePendingPayment covers the window between slot claim and payment
	// confirmation. The claim holds the slot for the payment TTL.
	StatePendingPayment State = "pending_payment"
	StateConfirmed      State = "confirmed"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StateExpired        State = "expired"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateExpired:
		return true
	}
	return false
}

// PatientSnapshot and ProviderSnapshot are immutable value copies taken at
// booking time. Later profile or fee edits never alter an existing
// appointment's record.
type PatientSnapshot struct {
	ID          uuid.UUID `json:"id"`
	Identifier  string    `json:"identifier"`
	DisplayName string    `json:"display_name"`
}

type ProviderSnapshot struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Specialty   *string   `json:"specialty,omitempty"`
	FeeMinor    int64     `json:"fee_minor"`
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	ProviderID       uuid.UUID
	SlotDate         string // 2006-01-02
	SlotTime         string // 15:04
	AmountMinor      int64  // copied from the provider fee at claim time, never changes
	PatientSnapshot  PatientSnapshot
	ProviderSnapshot ProviderSnapshot
	State            State
	PaymentRef       *string // gateway transaction reference, nil until payment attempted
	CreatedAt        time.Time
	StateChangedAt   time.Time
	ExpiresAt        time.Time // pending_payment deadline
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
