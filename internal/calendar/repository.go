package calendar

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrProviderUnavailable = errors.New("provider is not accepting bookings")
	ErrSlotUnavailable     = errors.New("slot is already claimed")
)

// Repository contains all DB interactions for providers and their booked slots.
type Repository interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	SetFee(ctx context.Context, id uuid.UUID, feeMinor int64) error
	SetAvailable(ctx context.Context, id uuid.UUID, available bool) error

	// IsSlotFree reports whether the time label is unclaimed for that date
	// and the provider is accepting bookings.
	IsSlotFree(ctx context.Context, providerID uuid.UUID, date, timeLabel string) (bool, error)

	// ClaimSlot atomically inserts the slot row only if absent and returns a
	// token identifying the claim. A lost race returns ErrSlotUnavailable.
	// This is a single conditional insert, never a read followed by a write.
	ClaimSlot(ctx context.Context, providerID uuid.UUID, date, timeLabel string) (uuid.UUID, error)

	// ReleaseSlot frees the slot. Releasing an already-free slot is a no-op.
	ReleaseSlot(ctx context.Context, providerID uuid.UUID, date, timeLabel string) error

	// ListBookedTimes returns the claimed time labels for one provider/date.
	ListBookedTimes(ctx context.Context, providerID uuid.UUID, date string) ([]string, error)
}
