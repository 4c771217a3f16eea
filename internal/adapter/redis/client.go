package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
)

const clientName = "consultline"

// NewClient connects to Redis with the metrics and circuit breaker hooks
// installed and verifies the connection. Connections identify themselves
// as "consultline" unless the URL names a client.
func NewClient(ctx context.Context, redisURL string, m *metrics.RedisMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if opts.ClientName == "" {
		opts.ClientName = clientName
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&MetricsHook{metrics: m})
	rdb.AddHook(NewCircuitBreakerHook(m))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}
