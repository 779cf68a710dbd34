package principal

import (
	"context"
	"errors"

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

func scanPrincipal(row pgx.Row) (*Principal, error) {
	var p Principal

	err := row.Scan(
		&p.ID,
		&p.Identifier,
		&p.DisplayName,
		&p.Role,
		&p.PasswordHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPrincipalNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Principal, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, identifier, display_name, role, password_hash, created_at, updated_at
		FROM principals
		WHERE id = $1
	`, id)
	return scanPrincipal(row)
}

func (r *PgRepository) GetByIdentifier(ctx context.Context, identifier string) (*Principal, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, identifier, display_name, role, password_hash, created_at, updated_at
		FROM principals
		WHERE identifier = $1
	`, identifier)
	return scanPrincipal(row)
}
