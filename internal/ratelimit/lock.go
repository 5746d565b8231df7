package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lock release must be owner-checked: a sync that overran its lease TTL
// must not delete the lease the next run is already holding.
const releaseOwnedLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out single-owner leases. Reconciliation takes one per
// partner so a scheduled sync and a manual trigger never interleave
// gateway pulls for the same window.
type Locker struct {
	rdb     *redis.Client
	release *redis.Script
}

func NewLocker(rdb *redis.Client) *Locker {
	if rdb == nil {
		return nil
	}
	return &Locker{
		rdb:     rdb,
		release: redis.NewScript(releaseOwnedLeaseScript),
	}
}

// TryLock claims key for ttl. The returned token proves ownership at
// release time. A lease someone else holds yields ok=false, not an error.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.rdb == nil {
		return "", false, errors.New("sync lease redis client not configured")
	}
	if key == "" {
		return "", false, errors.New("sync lease key is required")
	}
	if ttl <= 0 {
		return "", false, errors.New("sync lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release frees key when token still owns it. A lease that expired and was
// re-claimed by a later run is left alone.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.rdb == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.rdb, []string{key}, token).Err()
}
