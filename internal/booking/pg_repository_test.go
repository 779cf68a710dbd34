package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PgRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPgRepository(mock)
}

func apptRow(id uuid.UUID, state State) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows([]string{
		"id", "patient_id", "provider_id", "slot_date", "slot_time",
		"amount_minor", "patient_snapshot", "provider_snapshot",
		"state", "payment_ref", "created_at", "state_changed_at", "expires_at",
	}).AddRow(
		id, uuid.New(), uuid.New(), "2025-03-01", "10:00",
		int64(500), []byte(`{}`), []byte(`{}`),
		state, (*string)(nil), now, now, now.Add(15*time.Minute),
	)
}

func TestTransitionApplies(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE appointments").
		WithArgs(id, StateConfirmed, StatePendingPayment).
		WillReturnRows(apptRow(id, StateConfirmed))

	appt, err := repo.Transition(context.Background(), id, StatePendingPayment, StateConfirmed)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, appt.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStateConflict(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	// The guarded update matches nothing, but the row exists: a lost race.
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(id, StateConfirmed, StatePendingPayment).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.Transition(context.Background(), id, StatePendingPayment, StateConfirmed)
	require.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionUnknownAppointment(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE appointments").
		WithArgs(id, StateConfirmed, StatePendingPayment).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := repo.Transition(context.Background(), id, StatePendingPayment, StateConfirmed)
	require.ErrorIs(t, err, ErrAppointmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT(.|\n)+FROM appointments").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	require.ErrorIs(t, err, ErrAppointmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPaymentRefNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE appointments").
		WithArgs(id, "pi_abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.SetPaymentRef(context.Background(), id, "pi_abc")
	require.ErrorIs(t, err, ErrAppointmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
