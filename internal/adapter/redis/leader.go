package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// LeaderElector implements Redis-based leader election using SET NX with TTL.
// Used so only one instance runs cluster-wide jobs such as the ledger audit.
type LeaderElector struct {
	rdb        *goredis.Client
	instanceID string
	lockKey    string
	lockTTL    time.Duration
}

// NewLeaderElector creates a leader election coordinator for one job.
// instanceID should be unique per instance (e.g., hostname-PID).
func NewLeaderElector(rdb *goredis.Client, instanceID, job string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		lockKey:    "leader:" + job,
		lockTTL:    ttl,
	}
}

// TryAcquire attempts to become (or stay) the leader. Returns false if
// another instance holds the lock.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := acquireScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID, l.lockTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok == 1, nil
}

// Release voluntarily releases leadership. Should be called on graceful shutdown.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
