package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConnRef identifies a user's live socket anywhere in the cluster.
type ConnRef struct {
	ConnID      string    `json:"conn_id"`
	InstanceID  string    `json:"instance_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// PresenceRegistry tracks at most one live connection per user.
type PresenceRegistry interface {
	// Register makes ref the user's connection and returns the one it
	// replaced, if any.
	Register(ctx context.Context, userID uuid.UUID, ref ConnRef) (*ConnRef, error)
	// Unregister removes the entry only if it still belongs to connID.
	Unregister(ctx context.Context, userID uuid.UUID, connID string) (bool, error)
	Lookup(ctx context.Context, userID uuid.UUID) (ConnRef, bool, error)
	// Touch refreshes the entry's expiry if it still belongs to connID.
	Touch(ctx context.Context, userID uuid.UUID, connID string) error
}
