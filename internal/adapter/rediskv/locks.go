package rediskv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// compare-and-delete: release only when the stored token is ours.
const luaReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker implements token-scoped TTL locks on plain string keys.
type Locker struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLocker wraps the client.
func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb, release: redis.NewScript(luaReleaseScript)}
}

var _ domain.Locker = (*Locker)(nil)

// Acquire attempts SET NX PX with a fresh token. The second return reports
// whether the lock was obtained.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lock, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return domain.Lock{}, false, fmt.Errorf("op=locker.Acquire key=%s: %w", key, err)
	}
	if !ok {
		return domain.Lock{}, false, nil
	}
	return domain.Lock{Key: key, Token: token}, true, nil
}

// Release deletes the lock only if the holder token still matches. Returns
// false when the lock expired or was taken over.
func (l *Locker) Release(ctx context.Context, lock domain.Lock) (bool, error) {
	n, err := l.release.Run(ctx, l.rdb, []string{lock.Key}, lock.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("op=locker.Release key=%s: %w", lock.Key, err)
	}
	return n == 1, nil
}

// LockKey builds the canonical lock key for a scope and id.
func LockKey(scope, id string) string {
	return fmt.Sprintf("lock:%s:%s", scope, id)
}
