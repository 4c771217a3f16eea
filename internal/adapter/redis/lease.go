package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/consultline/internal/domain"
)

// acquireScript takes a free lease or re-takes one this holder already owns.
// KEYS: [1]=lease key  ARGV: [1]=holder, [2]=ttl_ms
var acquireScript = goredis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 1
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// renewScript extends the lease only for its holder.
// KEYS: [1]=lease key  ARGV: [1]=holder, [2]=ttl_ms
var renewScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only for its holder.
// KEYS: [1]=lease key  ARGV: [1]=holder
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// BillingLease is a per-session lock at billing:lease:<session_id> holding
// the owning instance ID.
type BillingLease struct {
	rdb    *goredis.Client
	ttl    time.Duration
	holder string
}

var _ domain.BillingLease = (*BillingLease)(nil)

func NewBillingLease(rdb *goredis.Client, ttl time.Duration, holder string) *BillingLease {
	return &BillingLease{rdb: rdb, ttl: ttl, holder: holder}
}

func (l *BillingLease) Acquire(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	n, err := acquireScript.Run(ctx, l.rdb, []string{leaseKey(sessionID)}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire billing lease failed: %w", err)
	}
	return n == 1, nil
}

func (l *BillingLease) Renew(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{leaseKey(sessionID)}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew billing lease failed: %w", err)
	}
	return n == 1, nil
}

func (l *BillingLease) Release(ctx context.Context, sessionID uuid.UUID) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(sessionID)}, l.holder).Err(); err != nil {
		return fmt.Errorf("release billing lease failed: %w", err)
	}
	return nil
}

func (l *BillingLease) Held(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	n, err := l.rdb.Exists(ctx, leaseKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check billing lease failed: %w", err)
	}
	return n == 1, nil
}

func leaseKey(sessionID uuid.UUID) string {
	return "billing:lease:" + sessionID.String()
}
