package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
)

func failingProcess(err error) goredis.ProcessHook {
	return func(context.Context, goredis.Cmder) error { return err }
}

func TestCircuitBreakerHook_OpensAfterConsecutiveFailures(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := newCircuitBreakerHook(m, 3, time.Hour)
	process := hook.ProcessHook(failingProcess(errors.New("connection refused")))
	cmd := goredis.NewStringCmd(context.Background(), "get", "k")

	for range 3 {
		assert.Error(t, process(context.Background(), cmd))
	}

	assert.Equal(t, circuitbreaker.OpenState, hook.State())
	err := process(context.Background(), cmd)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.InDelta(t, 2, testutil.ToFloat64(m.BreakerState), 0.001)
}

func TestCircuitBreakerHook_IgnoresNilAndCancellation(t *testing.T) {
	hook := newCircuitBreakerHook(nil, 2, time.Hour)
	cmd := goredis.NewStringCmd(context.Background(), "get", "k")

	for _, err := range []error{goredis.Nil, context.Canceled, goredis.Nil} {
		_ = hook.ProcessHook(failingProcess(err))(context.Background(), cmd)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_PipelineFailuresCount(t *testing.T) {
	hook := newCircuitBreakerHook(nil, 1, time.Hour)
	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return errors.New("io timeout") })

	assert.Error(t, pipeline(context.Background(), nil))
	assert.ErrorIs(t, pipeline(context.Background(), nil), circuitbreaker.ErrOpen)
}

func TestMetricsHook_CountsByStatus(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := &MetricsHook{metrics: m}
	cmd := goredis.NewStringCmd(context.Background(), "get", "k")

	_ = hook.ProcessHook(failingProcess(nil))(context.Background(), cmd)
	_ = hook.ProcessHook(failingProcess(goredis.Nil))(context.Background(), cmd)
	_ = hook.ProcessHook(failingProcess(errors.New("boom")))(context.Background(), cmd)

	assert.InDelta(t, 2, testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "success")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("get", "error")), 0.001)
}
