package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateEvent means this gateway event id was already recorded;
	// the delivery is a replay and must not be applied twice.
	ErrDuplicateEvent = errors.New("duplicate gateway event")
)

// EventRecord is one gateway callback, verified or not, keyed by the
// provider's stable event id.
type EventRecord struct {
	GatewayEventID string
	AppointmentID  *uuid.UUID
	EventType      string
	SignatureOK    bool
	Payload        []byte
}

// EventRepository is the dedupe log for gateway callbacks.
type EventRepository interface {
	// Insert records the event, returning ErrDuplicateEvent when the gateway
	// event id was seen before.
	Insert(ctx context.Context, rec EventRecord) error

	// SetOutcome marks whether the event ended up applied and why not.
	SetOutcome(ctx context.Context, gatewayEventID string, processed bool, reason string) error

	// WasProcessed reports whether a recorded event reached a settled
	// outcome. A recorded-but-unprocessed event is a delivery that hit a
	// storage fault mid-application; its retry must re-apply, not no-op.
	WasProcessed(ctx context.Context, gatewayEventID string) (bool, error)
}
