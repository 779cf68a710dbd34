package principal

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleOperator Role = "operator"
)

type Principal struct {
	ID           uuid.UUID
	Identifier   string // login identifier, unique (email in practice)
	DisplayName  string
	Role         Role
	PasswordHash string // bcrypt, never serialized outward
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
