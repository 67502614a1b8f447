package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock serializes billing runs across worker replicas. Acquire returns
// false without error when another holder has the lock.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// releaseScript deletes the lock only while this process still holds it, so
// a run that outlived the TTL cannot release a lock some other worker took.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisRunLock is a SET NX PX lock with a per-process token. The TTL is the
// safety valve: a crashed worker frees the schedule after at most one TTL.
type RedisRunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewRedisRunLock creates a lock on the given key.
func NewRedisRunLock(client *redis.Client, key string, ttl time.Duration) *RedisRunLock {
	return &RedisRunLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// Acquire takes the lock if free.
func (l *RedisRunLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release frees the lock if this process holds it.
func (l *RedisRunLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// NoopRunLock always acquires. Used for single-replica deployments where the
// in-process overlap guard is enough.
type NoopRunLock struct{}

func (NoopRunLock) Acquire(_ context.Context) (bool, error) { return true, nil }
func (NoopRunLock) Release(_ context.Context) error         { return nil }
