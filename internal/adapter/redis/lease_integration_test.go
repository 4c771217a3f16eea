package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBillingLease_SingleHolder(t *testing.T) {
	client := setupTestClient(t)
	a := NewBillingLease(client, time.Minute, "inst-a")
	b := NewBillingLease(client, time.Minute, "inst-b")
	ctx := context.Background()
	session := uuid.New()

	ok, err := a.Acquire(ctx, session)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, session)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx, session)
	require.NoError(t, err)
	assert.True(t, ok, "holder may re-acquire")

	held, err := b.Held(ctx, session)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestBillingLease_RenewAndReleaseRequireOwnership(t *testing.T) {
	client := setupTestClient(t)
	a := NewBillingLease(client, time.Minute, "inst-a")
	b := NewBillingLease(client, time.Minute, "inst-b")
	ctx := context.Background()
	session := uuid.New()

	_, err := a.Acquire(ctx, session)
	require.NoError(t, err)

	ok, err := b.Renew(ctx, session)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, session))
	held, err := a.Held(ctx, session)
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = a.Renew(ctx, session)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Release(ctx, session))
	held, err = a.Held(ctx, session)
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = a.Renew(ctx, session)
	require.NoError(t, err)
	assert.False(t, ok, "released lease cannot be renewed")
}

func TestBillingLease_ExpiredLeaseCanBeTaken(t *testing.T) {
	client := setupTestClient(t)
	a := NewBillingLease(client, 100*time.Millisecond, "inst-a")
	b := NewBillingLease(client, time.Minute, "inst-b")
	ctx := context.Background()
	session := uuid.New()

	_, err := a.Acquire(ctx, session)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ok, err := b.Acquire(ctx, session)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLeaderElector_OneLeaderPerJob(t *testing.T) {
	client := setupTestClient(t)
	a := NewLeaderElector(client, "inst-a", "ledger-audit", time.Minute)
	b := NewLeaderElector(client, "inst-b", "ledger-audit", time.Minute)
	other := NewLeaderElector(client, "inst-b", "reaper", time.Minute)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = other.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
