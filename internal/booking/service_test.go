package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/config"
	"github.com/clinicdesk/clinic-booking/internal/metrics"
	"github.com/clinicdesk/clinic-booking/internal/principal"
	"github.com/clinicdesk/clinic-booking/internal/redisclient"
)

// In-memory doubles. The calendar claim and the ledger transition hold the
// same atomicity contract as the Postgres implementations, so the service
// race tests exercise the real coordination logic.

type memCalendar struct {
	mu        sync.Mutex
	providers map[uuid.UUID]*calendar.Provider
	slots     map[string]uuid.UUID
}

func newMemCalendar() *memCalendar {
	return &memCalendar{
		providers: make(map[uuid.UUID]*calendar.Provider),
		slots:     make(map[string]uuid.UUID),
	}
}

func slotKey(providerID uuid.UUID, date, timeLabel string) string {
	return providerID.String() + "|" + date + "|" + timeLabel
}

func (c *memCalendar) GetProvider(_ context.Context, id uuid.UUID) (*calendar.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[id]
	if !ok {
		return nil, calendar.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (c *memCalendar) SetFee(_ context.Context, id uuid.UUID, feeMinor int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[id]
	if !ok {
		return calendar.ErrProviderNotFound
	}
	p.FeeMinor = feeMinor
	return nil
}

func (c *memCalendar) SetAvailable(_ context.Context, id uuid.UUID, available bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[id]
	if !ok {
		return calendar.ErrProviderNotFound
	}
	p.Available = available
	return nil
}

func (c *memCalendar) IsSlotFree(_ context.Context, providerID uuid.UUID, date, timeLabel string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[providerID]
	if !ok {
		return false, calendar.ErrProviderNotFound
	}
	_, claimed := c.slots[slotKey(providerID, date, timeLabel)]
	return p.Available && !claimed, nil
}

func (c *memCalendar) ClaimSlot(_ context.Context, providerID uuid.UUID, date, timeLabel string) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := slotKey(providerID, date, timeLabel)
	if _, claimed := c.slots[key]; claimed {
		return uuid.Nil, calendar.ErrSlotUnavailable
	}
	token := uuid.New()
	c.slots[key] = token
	return token, nil
}

func (c *memCalendar) ReleaseSlot(_ context.Context, providerID uuid.UUID, date, timeLabel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, slotKey(providerID, date, timeLabel))
	return nil
}

func (c *memCalendar) ListBookedTimes(_ context.Context, providerID uuid.UUID, date string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	prefix := providerID.String() + "|" + date + "|"
	for key := range c.slots {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key[len(prefix):])
		}
	}
	return out, nil
}

type memLedger struct {
	mu         sync.Mutex
	appts      map[uuid.UUID]*Appointment
	events     []EventLog
	failCreate bool
}

func newMemLedger() *memLedger {
	return &memLedger{appts: make(map[uuid.UUID]*Appointment)}
}

func (l *memLedger) CreatePending(_ context.Context, na NewAppointment) (*Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failCreate {
		return nil, errors.New("ledger write failed")
	}
	now := time.Now()
	a := &Appointment{
		ID:               uuid.New(),
		PatientID:        na.PatientID,
		ProviderID:       na.ProviderID,
		SlotDate:         na.SlotDate,
		SlotTime:         na.SlotTime,
		AmountMinor:      na.AmountMinor,
		PatientSnapshot:  na.PatientSnapshot,
		ProviderSnapshot: na.ProviderSnapshot,
		State:            StatePendingPayment,
		CreatedAt:        now,
		StateChangedAt:   now,
		ExpiresAt:        na.ExpiresAt,
	}
	l.appts[a.ID] = a
	return copyAppt(a), nil
}

func (l *memLedger) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return copyAppt(a), nil
}

func (l *memLedger) Transition(_ context.Context, id uuid.UUID, from, to State) (*Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.State != from {
		return nil, ErrStateConflict
	}
	a.State = to
	a.StateChangedAt = time.Now()
	return copyAppt(a), nil
}

func (l *memLedger) SetPaymentRef(_ context.Context, id uuid.UUID, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.PaymentRef = &ref
	return nil
}

func (l *memLedger) FindExpiredPending(_ context.Context, now time.Time) ([]Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Appointment
	for _, a := range l.appts {
		if a.State == StatePendingPayment && a.ExpiresAt.Before(now) {
			out = append(out, *copyAppt(a))
		}
	}
	return out, nil
}

func (l *memLedger) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Appointment
	for _, a := range l.appts {
		if a.PatientID == patientID {
			out = append(out, *copyAppt(a))
		}
	}
	return out, nil
}

func (l *memLedger) ListByProvider(_ context.Context, providerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Appointment
	for _, a := range l.appts {
		if a.ProviderID == providerID {
			out = append(out, *copyAppt(a))
		}
	}
	return out, nil
}

func (l *memLedger) InsertEvent(_ context.Context, ev EventLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func copyAppt(a *Appointment) *Appointment {
	cp := *a
	return &cp
}

type memDirectory struct {
	mu         sync.Mutex
	principals map[uuid.UUID]*principal.Principal
}

func (d *memDirectory) GetByID(_ context.Context, id uuid.UUID) (*principal.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[id]
	if !ok {
		return nil, principal.ErrPrincipalNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *memDirectory) GetByIdentifier(_ context.Context, identifier string) (*principal.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.principals {
		if p.Identifier == identifier {
			cp := *p
			return &cp, nil
		}
	}
	return nil, principal.ErrPrincipalNotFound
}

// passLocker runs the critical section without locking so the race tests
// exercise the conditional insert directly.
type passLocker struct{}

func (passLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, _, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

type fixture struct {
	svc        *Service
	ledger     *memLedger
	cal        *memCalendar
	dir        *memDirectory
	patientID  uuid.UUID
	providerID uuid.UUID
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	patientID := uuid.New()
	providerID := uuid.New()
	specialty := "Dermatology"

	cal := newMemCalendar()
	cal.providers[providerID] = &calendar.Provider{
		ID:        providerID,
		Specialty: &specialty,
		FeeMinor:  500,
		Available: true,
	}

	dir := &memDirectory{principals: map[uuid.UUID]*principal.Principal{
		patientID: {
			ID:          patientID,
			Identifier:  "alice@example.com",
			DisplayName: "Alice",
			Role:        principal.RolePatient,
		},
		providerID: {
			ID:          providerID,
			Identifier:  "drbob@example.com",
			DisplayName: "Dr. Bob",
			Role:        principal.RoleProvider,
		},
	}}

	ledger := newMemLedger()

	cfg := config.Config{
		PaymentTTL:     15 * time.Minute,
		BookingHorizon: 90 * 24 * time.Hour,
	}
	m := metrics.NewBookingMetrics(prometheus.NewRegistry())

	now := time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC)
	svc := NewService(ledger, cal, dir, passLocker{}, m, cfg).WithClock(func() time.Time { return now })

	return &fixture{
		svc:        svc,
		ledger:     ledger,
		cal:        cal,
		dir:        dir,
		patientID:  patientID,
		providerID: providerID,
		now:        now,
	}
}

func TestBookAppointmentCreatesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)

	require.Equal(t, StatePendingPayment, appt.State)
	require.Equal(t, int64(500), appt.AmountMinor)
	require.Equal(t, "Alice", appt.PatientSnapshot.DisplayName)
	require.Equal(t, "Dr. Bob", appt.ProviderSnapshot.DisplayName)
	require.Equal(t, f.now.Add(15*time.Minute), appt.ExpiresAt)

	free, err := f.cal.IsSlotFree(ctx, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	require.False(t, free, "booked slot must not be free")
}

func TestBookAppointmentRejectsPastSlot(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.BookAppointment(context.Background(), f.patientID, f.providerID, "2025-02-19", "10:00")
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func TestBookAppointmentRejectsBeyondHorizon(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.BookAppointment(context.Background(), f.patientID, f.providerID, "2026-01-01", "10:00")
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func TestBookAppointmentRejectsGarbageSlot(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.BookAppointment(context.Background(), f.patientID, f.providerID, "soon", "ten")
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func TestBookAppointmentUnavailableProvider(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cal.SetAvailable(context.Background(), f.providerID, false))

	_, err := f.svc.BookAppointment(context.Background(), f.patientID, f.providerID, "2025-03-01", "10:00")
	require.ErrorIs(t, err, calendar.ErrProviderUnavailable)
}

func TestConcurrentBookingSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var created, taken, other int
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrSlotTaken):
			taken++
		default:
			other++
		}
	}

	require.Equal(t, 1, created, "exactly one booking may win")
	require.Equal(t, attempts-1, taken)
	require.Zero(t, other)
}

// TestConcurrentBookingSingleWinnerWithSlotLock runs the same contention
// scenario through the real Redis locker. Losers may see either outcome of
// the race: the lock bounced them (slot busy) or the claim did (slot taken).
// Either way exactly one booking exists afterward.
func TestConcurrentBookingSingleWinnerWithSlotLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redisclient.NewRedisSlotLocker(client, 5*time.Second)

	cfg := config.Config{
		PaymentTTL:     15 * time.Minute,
		BookingHorizon: 90 * 24 * time.Hour,
	}
	svc := NewService(f.ledger, f.cal, f.dir, locker, metrics.NewBookingMetrics(prometheus.NewRegistry()), cfg).
		WithClock(func() time.Time { return f.now })

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var created, contended, other int
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrSlotTaken), errors.Is(err, ErrSlotBusy):
			contended++
		default:
			other++
		}
	}

	require.Equal(t, 1, created, "exactly one booking may win")
	require.Equal(t, attempts-1, contended)
	require.Zero(t, other)

	free, err := f.cal.IsSlotFree(ctx, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	require.False(t, free)
	require.Len(t, f.ledger.appts, 1)
}

func TestLedgerFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.failCreate = true
	_, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSlotTaken)

	free, err := f.cal.IsSlotFree(ctx, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	require.True(t, free, "claim must be rolled back when the ledger write fails")

	// And the slot is bookable again once the ledger recovers.
	f.ledger.failCreate = false
	_, err = f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
}

func TestPriceImmutableAfterFeeChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	require.Equal(t, int64(500), appt.AmountMinor)

	require.NoError(t, f.cal.SetFee(ctx, f.providerID, 900))

	reloaded, err := f.ledger.GetByID(ctx, appt.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), reloaded.AmountMinor, "booked price must not follow fee changes")

	// A fresh booking picks up the new fee.
	appt2, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "11:00")
	require.NoError(t, err)
	require.Equal(t, int64(900), appt2.AmountMinor)
}

func TestCancelFreesSlotForRebooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)

	_, err = f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.ErrorIs(t, err, ErrSlotTaken)

	cancelled, err := f.svc.CancelAppointment(ctx, appt.ID, f.patientID, principal.RolePatient)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, cancelled.State)

	_, err = f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err, "cancelled slot must be bookable again")
}

func TestCancelIdempotentOnTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.patientID, principal.RolePatient)
	require.NoError(t, err)

	again, err := f.svc.CancelAppointment(ctx, appt.ID, f.patientID, principal.RolePatient)
	require.NoError(t, err, "cancelling an already-cancelled appointment is not an error")
	require.Equal(t, StateCancelled, again.State)
}

func TestCancelForbiddenForStranger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)

	stranger := uuid.New()
	_, err = f.svc.CancelAppointment(ctx, appt.ID, stranger, principal.RolePatient)
	require.ErrorIs(t, err, ErrForbidden)

	// Operators may always cancel.
	_, err = f.svc.CancelAppointment(ctx, appt.ID, stranger, principal.RoleOperator)
	require.NoError(t, err)
}

func TestCancelConfirmedAfterSlotTimeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	_, err = f.ledger.Transition(ctx, appt.ID, StatePendingPayment, StateConfirmed)
	require.NoError(t, err)

	f.svc.WithClock(func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) })
	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.patientID, principal.RolePatient)
	require.ErrorIs(t, err, ErrTooLateToCancel)
}

func TestCompleteAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	_, err = f.ledger.Transition(ctx, appt.ID, StatePendingPayment, StateConfirmed)
	require.NoError(t, err)

	// Too early while the slot is still in the future.
	_, err = f.svc.CompleteAppointment(ctx, appt.ID, f.providerID, principal.RoleProvider)
	require.ErrorIs(t, err, ErrTooEarlyToComplete)

	f.svc.WithClock(func() time.Time { return time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC) })

	// Only the provider (or an operator) may complete.
	_, err = f.svc.CompleteAppointment(ctx, appt.ID, f.patientID, principal.RolePatient)
	require.ErrorIs(t, err, ErrForbidden)

	done, err := f.svc.CompleteAppointment(ctx, appt.ID, f.providerID, principal.RoleProvider)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)
}

func TestExpireSweepReleasesSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)

	f.svc.WithClock(func() time.Time { return f.now.Add(time.Hour) })
	require.NoError(t, f.svc.ExpirePendingAppointments(ctx))

	expired, err := f.ledger.GetByID(ctx, appt.ID)
	require.NoError(t, err)
	require.Equal(t, StateExpired, expired.State)

	free, err := f.cal.IsSlotFree(ctx, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	require.True(t, free)
}

func TestExpirySweepSkipsConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)
	_, err = f.ledger.Transition(ctx, appt.ID, StatePendingPayment, StateConfirmed)
	require.NoError(t, err)

	f.svc.WithClock(func() time.Time { return f.now.Add(time.Hour) })
	require.NoError(t, f.svc.ExpirePendingAppointments(ctx))

	still, err := f.ledger.GetByID(ctx, appt.ID)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, still.State)
}

// TestExpiryConfirmRace drives a TTL sweep against a concurrent payment
// confirmation. Exactly one side may win, and the slot must end consistent
// with the winner.
func TestExpiryConfirmRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		t.Run(fmt.Sprintf("round_%d", i), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
			require.NoError(t, err)

			f.svc.WithClock(func() time.Time { return f.now.Add(time.Hour) })

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = f.svc.ExpirePendingAppointments(ctx)
			}()
			var confirmErr error
			go func() {
				defer wg.Done()
				_, confirmErr = f.ledger.Transition(ctx, appt.ID, StatePendingPayment, StateConfirmed)
			}()
			wg.Wait()

			final, err := f.ledger.GetByID(ctx, appt.ID)
			require.NoError(t, err)

			switch final.State {
			case StateExpired:
				require.ErrorIs(t, confirmErr, ErrStateConflict, "confirm must observe the lost race")
				free, err := f.cal.IsSlotFree(ctx, f.providerID, "2025-03-01", "10:00")
				require.NoError(t, err)
				require.True(t, free, "expired slot must be released")
			case StateConfirmed:
				require.NoError(t, confirmErr)
			default:
				t.Fatalf("appointment ended in unexpected state %s", final.State)
			}
		})
	}
}

func TestGetAppointmentAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, f.patientID, f.providerID, "2025-03-01", "10:00")
	require.NoError(t, err)

	_, err = f.svc.GetAppointment(ctx, appt.ID, f.patientID, principal.RolePatient)
	require.NoError(t, err)
	_, err = f.svc.GetAppointment(ctx, appt.ID, f.providerID, principal.RoleProvider)
	require.NoError(t, err)
	_, err = f.svc.GetAppointment(ctx, appt.ID, uuid.New(), principal.RolePatient)
	require.ErrorIs(t, err, ErrForbidden)
}
