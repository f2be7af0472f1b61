package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockoutPolicy counts consecutive failed logins per account in a fixed
// window and puts the account into cooldown once the threshold is hit.
// Both the failure counter and the lock itself expire on their own, so
// there is nothing to clean up.
type lockoutPolicy struct {
	redis  redis.UniversalClient
	config LockoutConfig
	now    func() time.Time
}

func newLockoutPolicy(redisClient redis.UniversalClient, cfg LockoutConfig, now func() time.Time) *lockoutPolicy {
	return &lockoutPolicy{redis: redisClient, config: cfg, now: now}
}

func (p *lockoutPolicy) failKey(accountID string) string {
	return "alf:" + accountID
}

func (p *lockoutPolicy) lockKey(accountID string) string {
	return "alk:" + accountID
}

// IsLocked reports an active lockout and its expiry.
func (p *lockoutPolicy) IsLocked(ctx context.Context, accountID string) (time.Time, bool, error) {
	if !p.config.Enabled || accountID == "" {
		return time.Time{}, false, nil
	}

	raw, err := p.redis.Get(ctx, p.lockKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}

	expiry := time.Unix(until, 0)
	if !p.now().Before(expiry) {
		return time.Time{}, false, nil
	}
	return expiry, true, nil
}

// RecordFailure counts one failed attempt. When the attempt crosses the
// threshold it arms the lock and returns its expiry. The failure counter
// is cleared at that point so the next window starts fresh after cooldown.
func (p *lockoutPolicy) RecordFailure(ctx context.Context, accountID string) (time.Time, bool, error) {
	if !p.config.Enabled || accountID == "" {
		return time.Time{}, false, nil
	}

	count, err := p.redis.Incr(ctx, p.failKey(accountID)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if count == 1 {
		if err := p.redis.Expire(ctx, p.failKey(accountID), p.config.Window).Err(); err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	}

	if count < int64(p.config.Threshold) {
		return time.Time{}, false, nil
	}

	until := p.now().Add(p.config.Cooldown)
	pipe := p.redis.TxPipeline()
	pipe.Set(ctx, p.lockKey(accountID), strconv.FormatInt(until.Unix(), 10), p.config.Cooldown)
	pipe.Del(ctx, p.failKey(accountID))
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	return until, true, nil
}

// RecordSuccess clears the failure counter. An armed lock is left alone;
// only cooldown expiry or Clear releases it.
func (p *lockoutPolicy) RecordSuccess(ctx context.Context, accountID string) error {
	if !p.config.Enabled || accountID == "" {
		return nil
	}
	if err := p.redis.Del(ctx, p.failKey(accountID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Clear drops both the counter and an armed lock. Reserved for flows that
// prove account ownership through another channel.
func (p *lockoutPolicy) Clear(ctx context.Context, accountID string) error {
	if !p.config.Enabled || accountID == "" {
		return nil
	}
	if err := p.redis.Del(ctx, p.failKey(accountID), p.lockKey(accountID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
