package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claims records keys that may be processed once per TTL, such as delivered
// notifications and settled gateway webhooks. A nil client claims everything.
type Claims struct {
	R      *redis.Client
	Prefix string
}

// Acquire reports whether key was unclaimed and claims it for ttl.
func (c Claims) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c.R == nil {
		return true, nil
	}
	return c.R.SetNX(ctx, c.Prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release drops a claim so a retry of the same work is processed.
func (c Claims) Release(ctx context.Context, key string) error {
	if c.R == nil {
		return nil
	}
	return c.R.Del(ctx, c.Prefix+key).Err()
}
