package principal

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPrincipalNotFound = errors.New("principal not found")
)

// Repository contains all DB interactions needed by the directory.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Principal, error)
	GetByIdentifier(ctx context.Context, identifier string) (*Principal, error)
}
