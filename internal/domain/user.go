package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleClient     Role = "client"
	RoleAstrologer Role = "astrologer"
)

func (r Role) Valid() bool {
	return r == RoleClient || r == RoleAstrologer
}

// User is a marketplace participant. Rates are in minor currency units per
// minute and only meaningful for astrologers.
type User struct {
	ID          uuid.UUID
	DisplayName string
	Role        Role
	ChatRate    int64
	CallRate    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RateFor returns the per-minute rate the user charges for the given kind.
func (u *User) RateFor(kind SessionKind) int64 {
	if kind == KindCall {
		return u.CallRate
	}
	return u.ChatRate
}

type NewUser struct {
	DisplayName string
	Role        Role
	ChatRate    int64
	CallRate    int64
}

// UserRepository creates users together with their zero-balance wallet.
type UserRepository interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*User, error)
	Create(ctx context.Context, u NewUser) (*User, error)
}
