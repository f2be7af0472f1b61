package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLimited indicates the caller exhausted the budget for the window.
	ErrLimited = errors.New("rate limit exceeded")

	// ErrBackendUnavailable indicates the counter backend is unreachable.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
)

// Limiter is a fixed-window counter on Redis. A window opens on the first
// hit for a key and closes when the TTL lapses; counts never slide.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Limiter] backed by the given Redis client. All keys are
// namespaced under prefix.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Limiter{redis: redisClient, prefix: prefix}
}

// Allow counts one hit against key and returns ErrLimited once the count
// for the current window exceeds limit. The hit that crosses the limit is
// itself rejected; earlier hits in the same window stay counted.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return nil
	}

	count, err := l.redis.Incr(ctx, l.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Fixed-window semantics: TTL is set only by the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, l.prefix+key, window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	if count > int64(limit) {
		return ErrLimited
	}
	return nil
}

// Peek returns the current count for key without consuming a hit. Missing
// keys read as zero.
func (l *Limiter) Peek(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.prefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the window for the given keys.
func (l *Limiter) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = l.prefix + k
	}
	if err := l.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
