package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a best-effort mutual exclusion between bot instances for
// periodic jobs. The ledger CAS stays the source of truth.
type RedisLease struct {
	client *RedisClient
	ttl    time.Duration
	owner  string
}

func NewRedisLease(client *RedisClient, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLease{
		client: client,
		ttl:    ttl,
		owner:  uuid.New().String(),
	}
}

func (l *RedisLease) Acquire(ctx context.Context, name string) (bool, error) {
	ok, err := l.client.client.SetNX(ctx, l.client.generateKey("lease", name), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, name string) error {
	err := releaseScript.Run(ctx, l.client.client, []string{l.client.generateKey("lease", name)}, l.owner).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
