package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/retry"
)

func TestClassifyLedgerError(t *testing.T) {
	tests := []struct {
		err  error
		want retry.Action
	}{
		{domain.ErrInsufficientBalance, retry.Stop},
		{fmt.Errorf("apply: %w", domain.ErrSessionNotActive), retry.Stop},
		{fmt.Errorf("%w: deadlock", domain.ErrLedgerContention), retry.After},
		{domain.ErrSessionNotFound, retry.Stop},
		{gobreaker.ErrOpenState, retry.Stop},
		{context.Canceled, retry.Stop},
		{errors.New("deadlock detected"), retry.Retry},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyLedgerError(tt.err), tt.err.Error())
	}
}

func TestLedgerBreaker_IgnoresBillingOutcomes(t *testing.T) {
	cb := newLedgerBreaker(nil)

	for range 10 {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, domain.ErrInsufficientBalance })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())

	for range 5 {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("connection refused") })
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestMeter_StartRequiresActiveSession(t *testing.T) {
	h := newHarness(t, 6000)
	_, err := h.svc.meter.Start(context.Background(), &domain.Session{Status: domain.StatusRequested})
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestMeter_StartIsNoopWhenLeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t, 6000)
	ctx := context.Background()
	sess := &domain.Session{ID: uuid.New(), Status: domain.StatusActive, TickMillis: 1000}

	ok, err := h.lease.As("node-b").Acquire(ctx, sess.ID)
	assert.NoError(t, err)
	assert.True(t, ok)

	started, err := h.svc.meter.Start(ctx, sess)
	assert.NoError(t, err)
	assert.False(t, started)
	assert.False(t, h.svc.meter.Running(sess.ID))
}
