package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/config"
	"github.com/clinicdesk/clinic-booking/internal/metrics"
	"github.com/clinicdesk/clinic-booking/internal/principal"
	"github.com/clinicdesk/clinic-booking/internal/redisclient"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
)

var (
	// ErrInvalidSlot covers malformed or out-of-horizon slot requests.
	ErrInvalidSlot = errors.New("slot is not bookable")

	// ErrSlotTaken is the expected outcome of a lost booking race.
	ErrSlotTaken = errors.New("slot already booked")

	// ErrSlotBusy means another booking attempt holds the slot lock right now.
	ErrSlotBusy = errors.New("slot is currently being booked, please retry")

	ErrForbidden          = errors.New("actor may not act on this appointment")
	ErrTooLateToCancel    = errors.New("appointment can no longer be cancelled")
	ErrTooEarlyToComplete = errors.New("appointment has not taken place yet")
	ErrPatientNotFound    = errors.New("patient not found")
)

type Service struct {
	repo    Repository
	cal     calendar.Repository
	dir     principal.Repository
	locker  redisclient.Locker
	metrics *metrics.BookingMetrics
	cfg     config.Config
	now     func() time.Time
}

func NewService(repo Repository, cal calendar.Repository, dir principal.Repository, locker redisclient.Locker, m *metrics.BookingMetrics, cfg config.Config) *Service {
	return &Service{
		repo:    repo,
		cal:     cal,
		dir:     dir,
		locker:  locker,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock overrides the service clock. Tests use it to drive TTL behavior.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BookAppointment claims a slot for a patient and writes the matching
// pending_payment ledger entry. The per-slot Redis lock serializes concurrent
// attempts; the conditional insert underneath ClaimSlot is the hard guarantee,
// so an expired lock still cannot produce a double booking.
func (s *Service) BookAppointment(ctx context.Context, patientID, providerID uuid.UUID, date, timeLabel string) (*Appointment, error) {
	slotAt, err := calendar.ParseSlotMoment(date, timeLabel)
	if err != nil {
		s.metrics.ObserveBooking("invalid_slot")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}

	now := s.now()
	if !slotAt.After(now) {
		s.metrics.ObserveBooking("invalid_slot")
		return nil, fmt.Errorf("%w: slot is in the past", ErrInvalidSlot)
	}
	if slotAt.After(now.Add(s.cfg.BookingHorizon)) {
		s.metrics.ObserveBooking("invalid_slot")
		return nil, fmt.Errorf("%w: slot is beyond the booking horizon", ErrInvalidSlot)
	}

	patient, err := s.dir.GetByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, principal.ErrPrincipalNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	provider, err := s.cal.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if !provider.Available {
		s.metrics.ObserveBooking("provider_unavailable")
		return nil, calendar.ErrProviderUnavailable
	}

	providerPrincipal, err := s.dir.GetByID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider principal: %w", err)
	}

	var created *Appointment

	err = s.locker.WithSlotLock(ctx, providerID, date, timeLabel, func(lockCtx context.Context) error {
		if _, err := s.cal.ClaimSlot(lockCtx, providerID, date, timeLabel); err != nil {
			return err
		}

		na := NewAppointment{
			PatientID:   patientID,
			ProviderID:  providerID,
			SlotDate:    date,
			SlotTime:    timeLabel,
			AmountMinor: provider.FeeMinor,
			PatientSnapshot: PatientSnapshot{
				ID:          patient.ID,
				Identifier:  patient.Identifier,
				DisplayName: patient.DisplayName,
			},
			ProviderSnapshot: ProviderSnapshot{
				ID:          provider.ID,
				DisplayName: providerPrincipal.DisplayName,
				Specialty:   provider.Specialty,
				FeeMinor:    provider.FeeMinor,
			},
			ExpiresAt: now.Add(s.cfg.PaymentTTL),
		}

		appt, err := s.repo.CreatePending(lockCtx, na)
		if err != nil {
			// The slot is claimed but has no ledger entry behind it. Release
			// it before surfacing the error, on a context that survives the
			// caller going away, or the slot stays stuck forever.
			s.compensateClaim(providerID, date, timeLabel)
			return fmt.Errorf("create pending appointment: %w", err)
		}

		created = appt

		payload := map[string]any{
			"provider_id": providerID.String(),
			"patient_id":  patientID.String(),
			"slot_date":   date,
			"slot_time":   timeLabel,
			"amount":      provider.FeeMinor,
			"expires_at":  na.ExpiresAt,
		}
		s.logEvent(lockCtx, appt.ID, EventAppointmentCreated, payload)

		return nil
	})

	if err != nil {
		switch {
		case errors.Is(err, calendar.ErrSlotUnavailable):
			s.metrics.ObserveBooking("slot_taken")
			return nil, ErrSlotTaken
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			s.metrics.ObserveBooking("slot_busy")
			return nil, ErrSlotBusy
		}
		s.metrics.ObserveBooking("error")
		return nil, err
	}

	s.metrics.ObserveBooking("created")
	s.metrics.ObserveTransition(string(StatePendingPayment))
	return created, nil
}

func (s *Service) compensateClaim(providerID uuid.UUID, date, timeLabel string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.cal.ReleaseSlot(releaseCtx, providerID, date, timeLabel); err != nil {
		log.Printf("failed to release orphaned claim %s %s %s: %v", providerID, date, timeLabel, err)
	}
}

// CancelAppointment moves an appointment to cancelled and frees its slot.
// Cancelling an already-terminal appointment succeeds idempotently.
func (s *Service) CancelAppointment(ctx context.Context, id, actorID uuid.UUID, actorRole principal.Role) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !canActOn(appt, actorID, actorRole) {
		return nil, ErrForbidden
	}

	if appt.State.Terminal() {
		return appt, nil
	}

	if appt.State == StateConfirmed {
		slotAt, err := calendar.ParseSlotMoment(appt.SlotDate, appt.SlotTime)
		if err != nil {
			return nil, fmt.Errorf("parse appointment slot: %w", err)
		}
		if !s.now().Before(slotAt) {
			return nil, ErrTooLateToCancel
		}
	}

	updated, err := s.repo.Transition(ctx, appt.ID, appt.State, StateCancelled)
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			// Someone else resolved it first; re-read and report what stands.
			current, getErr := s.repo.GetByID(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			if current.State.Terminal() {
				return current, nil
			}
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	if err := s.cal.ReleaseSlot(ctx, appt.ProviderID, appt.SlotDate, appt.SlotTime); err != nil {
		log.Printf("failed to release slot for cancelled appointment %s: %v", appt.ID, err)
	}

	s.metrics.ObserveTransition(string(StateCancelled))
	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"actor_id":   actorID.String(),
		"actor_role": string(actorRole),
		"from":       string(appt.State),
	})

	return updated, nil
}

// CompleteAppointment is the provider marking a confirmed appointment as done
// after its slot time has passed.
func (s *Service) CompleteAppointment(ctx context.Context, id, actorID uuid.UUID, actorRole principal.Role) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if actorRole != principal.RoleOperator && !(actorRole == principal.RoleProvider && actorID == appt.ProviderID) {
		return nil, ErrForbidden
	}

	slotAt, err := calendar.ParseSlotMoment(appt.SlotDate, appt.SlotTime)
	if err != nil {
		return nil, fmt.Errorf("parse appointment slot: %w", err)
	}
	if s.now().Before(slotAt) {
		return nil, ErrTooEarlyToComplete
	}

	updated, err := s.repo.Transition(ctx, appt.ID, StateConfirmed, StateCompleted)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(StateCompleted))
	s.logEvent(ctx, updated.ID, EventAppointmentCompleted, map[string]any{
		"actor_id": actorID.String(),
	})

	return updated, nil
}

// ExpirePendingAppointments is called by the worker periodically. Each expiry
// goes through the same compare-and-swap as every other transition, so a
// payment confirmation racing the sweep cannot both win: the loser observes
// ErrStateConflict and backs off.
func (s *Service) ExpirePendingAppointments(ctx context.Context) error {
	now := s.now()
	expiredCandidates, err := s.repo.FindExpiredPending(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired pending appointments: %w", err)
	}

	for _, appt := range expiredCandidates {
		_, err := s.repo.Transition(ctx, appt.ID, StatePendingPayment, StateExpired)
		if err != nil {
			if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			log.Printf("failed to expire appointment %s: %v", appt.ID, err)
			continue
		}

		if err := s.cal.ReleaseSlot(ctx, appt.ProviderID, appt.SlotDate, appt.SlotTime); err != nil {
			log.Printf("failed to release slot for expired appointment %s: %v", appt.ID, err)
		}

		s.metrics.ObserveExpiration()
		s.metrics.ObserveTransition(string(StateExpired))
		s.logEvent(ctx, appt.ID, EventAppointmentExpired, map[string]any{
			"reason": "worker",
		})
	}

	return nil
}

// GetAppointment retrieves an appointment, restricted to its participants and
// operators.
func (s *Service) GetAppointment(ctx context.Context, id, actorID uuid.UUID, actorRole principal.Role) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canActOn(appt, actorID, actorRole) {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (s *Service) ListAppointmentsForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appointments, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

func (s *Service) ListAppointmentsForProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appointments, err := s.repo.ListByProvider(ctx, providerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by provider: %w", err)
	}
	return appointments, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func canActOn(a *Appointment, actorID uuid.UUID, role principal.Role) bool {
	if role == principal.RoleOperator {
		return true
	}
	return actorID == a.PatientID || actorID == a.ProviderID
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s for appointment %s: %v", eventType, appointmentID, err)
	}
}
