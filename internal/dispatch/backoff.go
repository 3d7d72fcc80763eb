package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const backoffKeyPrefix = "sniper:dispatch:backoff:"

// RedisBackoffStore keeps per-user rate-limit deadlines in Redis so a backoff
// survives process restarts and is visible to every dispatch cycle. The key's
// TTL is the deadline.
type RedisBackoffStore struct {
	rdb *redis.Client
}

func NewRedisBackoffStore(rdb *redis.Client) *RedisBackoffStore {
	return &RedisBackoffStore{rdb: rdb}
}

// SetBackoff records that the user's channel asked us to wait for d.
func (s *RedisBackoffStore) SetBackoff(ctx context.Context, userID int64, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	key := fmt.Sprintf("%s%d", backoffKeyPrefix, userID)
	if err := s.rdb.Set(ctx, key, 1, d).Err(); err != nil {
		return fmt.Errorf("set backoff for user %d: %w", userID, err)
	}
	return nil
}

// Remaining returns how long the user's backoff still has to run, zero when
// none is active.
func (s *RedisBackoffStore) Remaining(ctx context.Context, userID int64) (time.Duration, error) {
	key := fmt.Sprintf("%s%d", backoffKeyPrefix, userID)
	ttl, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("backoff lookup for user %d: %w", userID, err)
	}
	if ttl < 0 {
		// -1 no expiry, -2 no key; either way nothing to wait for.
		return 0, nil
	}
	return ttl, nil
}
