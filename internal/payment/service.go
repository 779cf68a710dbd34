package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/clinicdesk/clinic-booking/internal/booking"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/config"
	"github.com/clinicdesk/clinic-booking/internal/metrics"
	"github.com/clinicdesk/clinic-booking/internal/outbox"
)

const (
	EventPaymentReconciled = "booking.payment.reconciliation"
)

var (
	// ErrSignatureInvalid means the callback did not verify against the
	// shared webhook secret. No state changes.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrAmountMismatch means a verified callback carried a different amount
	// than the appointment's agreed price. No state changes.
	ErrAmountMismatch = errors.New("webhook amount does not match appointment")

	// ErrNotPayable means the appointment is not in pending_payment.
	ErrNotPayable = errors.New("appointment is not awaiting payment")
)

// OutboxWriter is the slice of the outbox the engine needs.
type OutboxWriter interface {
	Insert(ctx context.Context, ev outbox.Event) error
}

type Service struct {
	ledger  booking.Repository
	cal     calendar.Repository
	events  EventRepository
	gateway Gateway
	outbox  OutboxWriter
	metrics *metrics.BookingMetrics
	cfg     config.Config
	logger  *slog.Logger
}

func NewService(ledger booking.Repository, cal calendar.Repository, events EventRepository, gw Gateway, ob OutboxWriter, m *metrics.BookingMetrics, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{
		ledger:  ledger,
		cal:     cal,
		events:  events,
		gateway: gw,
		outbox:  ob,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
	}
}

// CreatePaymentIntent asks the gateway for an order reference covering the
// appointment's agreed amount. Only valid while the appointment awaits
// payment. A gateway timeout leaves the appointment in pending_payment; the
// TTL sweep resolves it rather than this call guessing success.
func (s *Service) CreatePaymentIntent(ctx context.Context, appointmentID uuid.UUID) (*Intent, error) {
	appt, err := s.ledger.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.State != booking.StatePendingPayment {
		return nil, ErrNotPayable
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	intent, err := s.gateway.CreateIntent(gwCtx, appt.ID, appt.AmountMinor, s.cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("gateway intent: %w", err)
	}

	if err := s.ledger.SetPaymentRef(ctx, appt.ID, intent.Ref); err != nil {
		return nil, err
	}

	return intent, nil
}

// HandleWebhook processes one inbound gateway callback end to end:
// signature verification, replay dedupe, amount check, then the
// compare-and-swap transition. Replays and events that lost a race return
// nil so the gateway stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	evt, err := webhook.ConstructEventWithTolerance(payload, sigHeader, s.cfg.StripeWebhookSecret, s.cfg.StripeWebhookTolerance)
	if err != nil {
		s.metrics.ObserveTrustFailure("signature")
		s.recordUnverified(ctx, payload)
		return ErrSignatureInvalid
	}

	evtType := string(evt.Type)
	switch evtType {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		s.metrics.ObserveWebhook(evtType, "ignored")
		return nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		s.metrics.ObserveWebhook(evtType, "malformed")
		return fmt.Errorf("decode payment intent payload: %w", err)
	}

	appointmentID, err := uuid.Parse(pi.Metadata["appointment_id"])
	if err != nil {
		s.metrics.ObserveWebhook(evtType, "malformed")
		return fmt.Errorf("webhook missing appointment_id metadata: %w", err)
	}

	rec := EventRecord{
		GatewayEventID: evt.ID,
		AppointmentID:  &appointmentID,
		EventType:      evtType,
		SignatureOK:    true,
		Payload:        payload,
	}
	if err := s.events.Insert(ctx, rec); err != nil {
		if !errors.Is(err, ErrDuplicateEvent) {
			return err
		}
		// Seen before. Only a settled outcome makes the retry a no-op: an
		// unprocessed row means an earlier delivery recorded the event and
		// then died on a storage fault, so this retry must re-apply it.
		processed, perr := s.events.WasProcessed(ctx, evt.ID)
		if perr != nil {
			return perr
		}
		if processed {
			s.metrics.ObserveWebhook(evtType, "duplicate")
			s.logger.Info("gateway event replay ignored", "gateway_event_id", evt.ID, "event_type", evtType)
			return nil
		}
		s.logger.Warn("re-applying unsettled gateway event", "gateway_event_id", evt.ID, "event_type", evtType)
	}

	appt, err := s.ledger.GetByID(ctx, appointmentID)
	if err != nil {
		s.setOutcome(ctx, evt.ID, false, "unknown_appointment")
		return err
	}

	switch evtType {
	case "payment_intent.succeeded":
		return s.applySucceeded(ctx, evt.ID, appt, &pi)
	default:
		return s.applyDeclined(ctx, evt.ID, evtType, appt)
	}
}

func (s *Service) applySucceeded(ctx context.Context, gatewayEventID string, appt *booking.Appointment, pi *stripe.PaymentIntent) error {
	if pi.Amount != appt.AmountMinor {
		s.metrics.ObserveTrustFailure("amount")
		s.metrics.ObserveWebhook("payment_intent.succeeded", "amount_mismatch")
		s.setOutcome(ctx, gatewayEventID, false, "amount_mismatch")
		s.logger.Warn("webhook amount mismatch",
			"appointment_id", appt.ID.String(),
			"expected", appt.AmountMinor,
			"got", pi.Amount,
		)
		return ErrAmountMismatch
	}

	_, err := s.ledger.Transition(ctx, appt.ID, booking.StatePendingPayment, booking.StateConfirmed)
	if err != nil {
		if errors.Is(err, booking.ErrStateConflict) {
			return s.reconcile(ctx, gatewayEventID, appt, pi)
		}
		s.setOutcome(ctx, gatewayEventID, false, "transition_failed")
		return err
	}

	s.setOutcome(ctx, gatewayEventID, true, "")
	s.metrics.ObserveWebhook("payment_intent.succeeded", "confirmed")
	s.metrics.ObserveTransition(string(booking.StateConfirmed))
	s.logLedgerEvent(ctx, appt.ID, booking.EventAppointmentConfirmed, map[string]any{
		"gateway_event_id": gatewayEventID,
		"payment_ref":      pi.ID,
		"amount":           pi.Amount,
	})
	return nil
}

func (s *Service) applyDeclined(ctx context.Context, gatewayEventID, evtType string, appt *booking.Appointment) error {
	_, err := s.ledger.Transition(ctx, appt.ID, booking.StatePendingPayment, booking.StateCancelled)
	if err != nil {
		if errors.Is(err, booking.ErrStateConflict) {
			// Already resolved by expiry, cancellation or an earlier decline.
			s.setOutcome(ctx, gatewayEventID, true, "superseded")
			s.metrics.ObserveWebhook(evtType, "superseded")
			return nil
		}
		s.setOutcome(ctx, gatewayEventID, false, "transition_failed")
		return err
	}

	if err := s.cal.ReleaseSlot(ctx, appt.ProviderID, appt.SlotDate, appt.SlotTime); err != nil {
		s.logger.Error("failed to release slot after declined payment",
			"appointment_id", appt.ID.String(), "err", err)
	}

	s.setOutcome(ctx, gatewayEventID, true, "")
	s.metrics.ObserveWebhook(evtType, "cancelled")
	s.metrics.ObserveTransition(string(booking.StateCancelled))
	s.logLedgerEvent(ctx, appt.ID, booking.EventAppointmentCancelled, map[string]any{
		"gateway_event_id": gatewayEventID,
		"reason":           evtType,
	})
	return nil
}

// reconcile handles the race where a real payment was captured but the
// appointment already reached a terminal state (usually expired before the
// webhook arrived). The money is real and the slot may be gone: request a
// refund from the gateway and queue the case for review. Never dropped.
func (s *Service) reconcile(ctx context.Context, gatewayEventID string, appt *booking.Appointment, pi *stripe.PaymentIntent) error {
	current, err := s.ledger.GetByID(ctx, appt.ID)
	if err != nil {
		return err
	}

	if current.State == booking.StateConfirmed || current.State == booking.StateCompleted {
		// Another delivery of the same payment already confirmed it.
		s.setOutcome(ctx, gatewayEventID, true, "already_confirmed")
		s.metrics.ObserveWebhook("payment_intent.succeeded", "already_confirmed")
		return nil
	}

	s.metrics.ObserveReconciliation()
	s.logger.Warn("payment captured for terminal appointment, reconciling",
		"appointment_id", appt.ID.String(),
		"state", string(current.State),
		"payment_ref", pi.ID,
	)

	refundID := ""
	refundErr := ""
	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	id, err := s.gateway.Refund(gwCtx, pi.ID, pi.Amount)
	cancel()
	if err != nil {
		refundErr = err.Error()
		s.logger.Error("automatic refund failed, queued for manual review",
			"appointment_id", appt.ID.String(), "err", err)
	} else {
		refundID = id
	}

	payload, _ := json.Marshal(map[string]any{
		"appointment_id":   appt.ID.String(),
		"gateway_event_id": gatewayEventID,
		"payment_ref":      pi.ID,
		"amount":           pi.Amount,
		"final_state":      string(current.State),
		"refund_id":        refundID,
		"refund_error":     refundErr,
		"occurred_at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.outbox.Insert(ctx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID.String(),
		EventType:     EventPaymentReconciled,
		Payload:       payload,
	}); err != nil {
		s.setOutcome(ctx, gatewayEventID, false, "reconcile_outbox_failed")
		return fmt.Errorf("queue reconciliation event: %w", err)
	}

	s.setOutcome(ctx, gatewayEventID, true, "reconciled")
	return nil
}

func (s *Service) recordUnverified(ctx context.Context, payload []byte) {
	// The payload failed verification, so nothing in it can be trusted,
	// including any event id it claims. Record under a synthetic id.
	rec := EventRecord{
		GatewayEventID: "unverified:" + uuid.NewString(),
		EventType:      "signature_failure",
		SignatureOK:    false,
		Payload:        payload,
	}
	if err := s.events.Insert(ctx, rec); err != nil {
		s.logger.Error("failed to record unverified webhook", "err", err)
	}
}

func (s *Service) setOutcome(ctx context.Context, gatewayEventID string, processed bool, reason string) {
	if err := s.events.SetOutcome(ctx, gatewayEventID, processed, reason); err != nil {
		s.logger.Error("failed to record payment event outcome",
			"gateway_event_id", gatewayEventID, "err", err)
	}
}

func (s *Service) logLedgerEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	apptID := appointmentID
	if err := s.ledger.InsertEvent(ctx, booking.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}); err != nil {
		s.logger.Error("failed to insert ledger event", "event_type", eventType, "err", err)
	}
}
