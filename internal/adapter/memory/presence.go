package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/consultline/internal/domain"
)

type presenceEntry struct {
	ref       domain.ConnRef
	expiresAt time.Time
}

// PresenceRegistry is a TTL-bound map of user to connection.
type PresenceRegistry struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]presenceEntry
}

var _ domain.PresenceRegistry = (*PresenceRegistry)(nil)

func NewPresenceRegistry(clock clockwork.Clock, ttl time.Duration) *PresenceRegistry {
	return &PresenceRegistry{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[uuid.UUID]presenceEntry),
	}
}

func (r *PresenceRegistry) Register(_ context.Context, userID uuid.UUID, ref domain.ConnRef) (*domain.ConnRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *domain.ConnRef
	if e, ok := r.live(userID); ok && e.ref.ConnID != ref.ConnID {
		prev := e.ref
		previous = &prev
	}
	r.entries[userID] = presenceEntry{ref: ref, expiresAt: r.clock.Now().Add(r.ttl)}
	return previous, nil
}

func (r *PresenceRegistry) Unregister(_ context.Context, userID uuid.UUID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(userID)
	if !ok || e.ref.ConnID != connID {
		return false, nil
	}
	delete(r.entries, userID)
	return true, nil
}

func (r *PresenceRegistry) Lookup(_ context.Context, userID uuid.UUID) (domain.ConnRef, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(userID)
	return e.ref, ok, nil
}

func (r *PresenceRegistry) Touch(_ context.Context, userID uuid.UUID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.live(userID); ok && e.ref.ConnID == connID {
		e.expiresAt = r.clock.Now().Add(r.ttl)
		r.entries[userID] = e
	}
	return nil
}

// live must be called with r.mu held; it drops the entry if it has expired.
func (r *PresenceRegistry) live(userID uuid.UUID) (presenceEntry, bool) {
	e, ok := r.entries[userID]
	if !ok {
		return presenceEntry{}, false
	}
	if !r.clock.Now().Before(e.expiresAt) {
		delete(r.entries, userID)
		return presenceEntry{}, false
	}
	return e, true
}
