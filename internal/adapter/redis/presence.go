package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/consultline/internal/domain"
)

// registerScript swaps in a new connection and returns the previous entry.
// KEYS: [1]=presence key  ARGV: [1]=encoded ConnRef, [2]=ttl_ms
var registerScript = goredis.NewScript(`
local previous = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return previous
`)

// unregisterScript deletes the entry only if it still belongs to conn_id.
// KEYS: [1]=presence key  ARGV: [1]=conn_id
var unregisterScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
if cjson.decode(current).conn_id ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

// touchScript extends the TTL only if the entry still belongs to conn_id.
// KEYS: [1]=presence key  ARGV: [1]=conn_id, [2]=ttl_ms
var touchScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
if cjson.decode(current).conn_id ~= ARGV[1] then
	return 0
end
return redis.call('PEXPIRE', KEYS[1], ARGV[2])
`)

// PresenceRegistry stores each user's current connection under
// presence:<user_id> with a TTL refreshed by heartbeats.
type PresenceRegistry struct {
	rdb *goredis.Client
	ttl time.Duration
}

var _ domain.PresenceRegistry = (*PresenceRegistry)(nil)

func NewPresenceRegistry(rdb *goredis.Client, ttl time.Duration) *PresenceRegistry {
	return &PresenceRegistry{rdb: rdb, ttl: ttl}
}

func (r *PresenceRegistry) Register(ctx context.Context, userID uuid.UUID, ref domain.ConnRef) (*domain.ConnRef, error) {
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to encode presence: %w", err)
	}

	raw, err := registerScript.Run(ctx, r.rdb, []string{presenceKey(userID)}, data, r.ttl.Milliseconds()).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("register presence failed: %w", err)
	}

	var previous domain.ConnRef
	if err := json.Unmarshal([]byte(raw), &previous); err != nil {
		return nil, fmt.Errorf("failed to decode previous presence: %w", err)
	}
	if previous.ConnID == ref.ConnID {
		return nil, nil
	}
	return &previous, nil
}

func (r *PresenceRegistry) Unregister(ctx context.Context, userID uuid.UUID, connID string) (bool, error) {
	n, err := unregisterScript.Run(ctx, r.rdb, []string{presenceKey(userID)}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("unregister presence failed: %w", err)
	}
	return n == 1, nil
}

func (r *PresenceRegistry) Lookup(ctx context.Context, userID uuid.UUID) (domain.ConnRef, bool, error) {
	raw, err := r.rdb.Get(ctx, presenceKey(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.ConnRef{}, false, nil
	}
	if err != nil {
		return domain.ConnRef{}, false, fmt.Errorf("lookup presence failed: %w", err)
	}

	var ref domain.ConnRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return domain.ConnRef{}, false, fmt.Errorf("failed to decode presence: %w", err)
	}
	return ref, true, nil
}

func (r *PresenceRegistry) Touch(ctx context.Context, userID uuid.UUID, connID string) error {
	if err := touchScript.Run(ctx, r.rdb, []string{presenceKey(userID)}, connID, r.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("touch presence failed: %w", err)
	}
	return nil
}

func presenceKey(userID uuid.UUID) string {
	return "presence:" + userID.String()
}
