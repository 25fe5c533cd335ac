package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseKey is the Redis key replicas compete for.
const DefaultLeaseKey = "quelyos:refresh-sweeper:lease"

// RedisLease is a Lease backed by SET NX PX. The lease is never released early; it lapses after its TTL.
type RedisLease struct {
	client redis.Cmdable
	key    string
	holder string
}

// NewRedisLease returns a lease on key with a random holder ID. Empty key uses DefaultLeaseKey.
func NewRedisLease(client redis.Cmdable, key string) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	return &RedisLease{client: client, key: key, holder: uuid.NewString()}
}

// Acquire takes the lease for ttl. It returns true if it was free or is already held by this holder.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	current, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == l.holder, nil
}
