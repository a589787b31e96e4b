package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the counters in Redis so several instances enforce one
// shared limit. Fixed-window semantics: INCR plus a TTL set on the first
// hit of the window.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	full := s.prefix + key

	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("incr rate counter: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, full, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("expire rate counter: %w", err)
		}
		return count, window, nil
	}

	ttl, err := s.client.TTL(ctx, full).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ttl rate counter: %w", err)
	}
	if ttl <= 0 {
		// Key survived without a TTL (crash between INCR and EXPIRE);
		// re-arm the window instead of blocking forever.
		if err := s.client.Expire(ctx, full, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("re-arm rate counter: %w", err)
		}
		ttl = window
	}

	return count, ttl, nil
}

func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete rate counter: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan rate counters: %w", err)
	}

	return nil
}
