package dupguard

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const duplicateKeyPrefix = "dup:digest:"

// RedisGuard keeps recently seen digests as TTL keys. Preferred for
// multi-instance deployments where the window check must be shared before
// either instance has committed its insert.
type RedisGuard struct {
	client *redis.Client
	window time.Duration
}

func NewRedisGuard(client *redis.Client, window time.Duration) *RedisGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisGuard{client: client, window: window}
}

func (g *RedisGuard) Seen(ctx context.Context, digest string) (bool, error) {
	if digest == "" {
		return false, nil
	}
	_, err := g.client.Get(ctx, duplicateKeyPrefix+digest).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark records the digest with the window as TTL. Key existence is what
// matters; the value is a simple marker.
func (g *RedisGuard) Mark(ctx context.Context, digest string) error {
	if digest == "" {
		return nil
	}
	return g.client.Set(ctx, duplicateKeyPrefix+digest, "1", g.window).Err()
}
