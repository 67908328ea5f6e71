package authchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errLimiterBackend = errors.New("attempt limiter backend unavailable")

// attemptLimiter counts failed verification attempts per (user, method)
// within a sliding window. Exceeding the bound turns further verification
// into a rejected action until the window expires.
type attemptLimiter struct {
	redis  redis.UniversalClient
	prefix string
	max    int
	window time.Duration
}

func newAttemptLimiter(client redis.UniversalClient, max int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{redis: client, prefix: "acl", max: max, window: window}
}

func (l *attemptLimiter) key(userID, methodType string) string {
	return l.prefix + ":" + userID + ":" + methodType
}

func (l *attemptLimiter) Check(ctx context.Context, userID, methodType string) error {
	count, err := l.redis.Get(ctx, l.key(userID, methodType)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", errLimiterBackend, err)
	}
	if count >= l.max {
		return ErrAttemptsExceeded
	}
	return nil
}

func (l *attemptLimiter) Fail(ctx context.Context, userID, methodType string) error {
	key := l.key(userID, methodType)
	pipe := l.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", errLimiterBackend, err)
	}
	return nil
}

func (l *attemptLimiter) Reset(ctx context.Context, userID, methodType string) error {
	if err := l.redis.Del(ctx, l.key(userID, methodType)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLimiterBackend, err)
	}
	return nil
}
