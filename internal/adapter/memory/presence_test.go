package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/consultline/internal/domain"
)

func newRef(connID string) domain.ConnRef {
	return domain.ConnRef{ConnID: connID, InstanceID: "node-a", ConnectedAt: time.Unix(0, 0)}
}

func TestPresence_RegisterReturnsSupersededConnection(t *testing.T) {
	ctx := context.Background()
	r := NewPresenceRegistry(clockwork.NewFakeClock(), time.Minute)
	user := uuid.New()

	prev, err := r.Register(ctx, user, newRef("c1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = r.Register(ctx, user, newRef("c2"))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "c1", prev.ConnID)

	ref, ok, err := r.Lookup(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c2", ref.ConnID)
}

func TestPresence_UnregisterIsCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	r := NewPresenceRegistry(clockwork.NewFakeClock(), time.Minute)
	user := uuid.New()

	_, _ = r.Register(ctx, user, newRef("c1"))
	_, _ = r.Register(ctx, user, newRef("c2"))

	removed, err := r.Unregister(ctx, user, "c1")
	require.NoError(t, err)
	assert.False(t, removed, "stale connection must not remove the newer entry")

	_, ok, _ := r.Lookup(ctx, user)
	assert.True(t, ok)

	removed, err = r.Unregister(ctx, user, "c2")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, _ = r.Lookup(ctx, user)
	assert.False(t, ok)
}

func TestPresence_ExpiresWithoutTouch(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := NewPresenceRegistry(clock, time.Minute)
	user := uuid.New()

	_, _ = r.Register(ctx, user, newRef("c1"))

	clock.Advance(40 * time.Second)
	require.NoError(t, r.Touch(ctx, user, "c1"))
	clock.Advance(40 * time.Second)

	_, ok, _ := r.Lookup(ctx, user)
	assert.True(t, ok, "touch should have extended the entry")

	clock.Advance(time.Minute)
	_, ok, _ = r.Lookup(ctx, user)
	assert.False(t, ok)
}

func TestPresence_TouchIgnoresForeignConnection(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := NewPresenceRegistry(clock, time.Minute)
	user := uuid.New()

	_, _ = r.Register(ctx, user, newRef("c1"))
	clock.Advance(50 * time.Second)
	require.NoError(t, r.Touch(ctx, user, "other"))
	clock.Advance(20 * time.Second)

	_, ok, _ := r.Lookup(ctx, user)
	assert.False(t, ok)
}
