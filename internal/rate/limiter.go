package rate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/db"
)

// Limiter enforces two composed limits: a global per-channel budget
// per minute and a per-(imei, channel) budget (one notification per
// window). Counters live in Redis as atomic INCR+TTL;
// a limiter backend failure fails open so a Redis outage cannot take
// notifications down with it.
type Limiter struct {
	redis        *db.RedisClient
	logger       *zap.Logger
	perMinute    int
	deviceWindow time.Duration
	enabled      bool
	onError      func()
}

func NewLimiter(redis *db.RedisClient, logger *zap.Logger, perMinute int, deviceWindow time.Duration, enabled bool) *Limiter {
	return &Limiter{
		redis:        redis,
		logger:       logger,
		perMinute:    perMinute,
		deviceWindow: deviceWindow,
		enabled:      enabled,
	}
}

// OnError registers a hook fired when the backend errors (metrics).
func (l *Limiter) OnError(fn func()) {
	l.onError = fn
}

// Allow consumes one token from both buckets. Both must pass.
func (l *Limiter) Allow(ctx context.Context, ch alarms.Channel, imei string) bool {
	if !l.enabled {
		return true
	}

	globalKey := fmt.Sprintf("alarms:rate:%s", ch)
	n, err := l.incrWithTTL(ctx, globalKey, time.Minute)
	if err != nil {
		l.failOpen(err)
		return true
	}
	if n > int64(l.perMinute) {
		return false
	}

	deviceKey := fmt.Sprintf("alarms:rate:%s:%s", ch, imei)
	n, err = l.incrWithTTL(ctx, deviceKey, l.deviceWindow)
	if err != nil {
		l.failOpen(err)
		return true
	}
	return n <= 1
}

func (l *Limiter) incrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (l *Limiter) failOpen(err error) {
	l.logger.Warn("rate limiter backend error, failing open", zap.Error(err))
	if l.onError != nil {
		l.onError()
	}
}

// Reset clears both buckets for a device (admin/testing).
func (l *Limiter) Reset(ctx context.Context, ch alarms.Channel, imei string) error {
	return l.redis.Del(ctx,
		fmt.Sprintf("alarms:rate:%s", ch),
		fmt.Sprintf("alarms:rate:%s:%s", ch, imei),
	).Err()
}
