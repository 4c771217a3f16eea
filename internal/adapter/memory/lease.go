package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/consultline/internal/domain"
)

type leaseEntry struct {
	holder    string
	expiresAt time.Time
}

// BillingLease hands out per-session leases to named holders.
type BillingLease struct {
	clock  clockwork.Clock
	ttl    time.Duration
	holder string

	mu     *sync.Mutex
	leases map[uuid.UUID]leaseEntry
}

var _ domain.BillingLease = (*BillingLease)(nil)

func NewBillingLease(clock clockwork.Clock, ttl time.Duration, holder string) *BillingLease {
	return &BillingLease{
		clock:  clock,
		ttl:    ttl,
		holder: holder,
		mu:     &sync.Mutex{},
		leases: make(map[uuid.UUID]leaseEntry),
	}
}

// As returns a view of the same lease table acting as another holder.
func (l *BillingLease) As(holder string) *BillingLease {
	return &BillingLease{clock: l.clock, ttl: l.ttl, holder: holder, mu: l.mu, leases: l.leases}
}

func (l *BillingLease) Acquire(_ context.Context, sessionID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.live(sessionID); ok && e.holder != l.holder {
		return false, nil
	}
	l.leases[sessionID] = leaseEntry{holder: l.holder, expiresAt: l.clock.Now().Add(l.ttl)}
	return true, nil
}

func (l *BillingLease) Renew(_ context.Context, sessionID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.live(sessionID)
	if !ok || e.holder != l.holder {
		return false, nil
	}
	e.expiresAt = l.clock.Now().Add(l.ttl)
	l.leases[sessionID] = e
	return true, nil
}

func (l *BillingLease) Release(_ context.Context, sessionID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.live(sessionID); ok && e.holder == l.holder {
		delete(l.leases, sessionID)
	}
	return nil
}

func (l *BillingLease) Held(_ context.Context, sessionID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.live(sessionID)
	return ok, nil
}

func (l *BillingLease) live(sessionID uuid.UUID) (leaseEntry, bool) {
	e, ok := l.leases[sessionID]
	if !ok {
		return leaseEntry{}, false
	}
	if !l.clock.Now().Before(e.expiresAt) {
		delete(l.leases, sessionID)
		return leaseEntry{}, false
	}
	return e, true
}
