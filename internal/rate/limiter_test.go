package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/db"
)

func newTestLimiter(t *testing.T, perMinute int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := &db.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	return NewLimiter(client, zap.NewNop(), perMinute, window, true), mr
}

func TestAllowPerDevice(t *testing.T) {
	l, _ := newTestLimiter(t, 100, time.Minute)
	ctx := context.Background()

	if !l.Allow(ctx, alarms.ChannelSMS, "111") {
		t.Fatal("first send for device should pass")
	}
	if l.Allow(ctx, alarms.ChannelSMS, "111") {
		t.Error("second send inside the device window should be limited")
	}
	if !l.Allow(ctx, alarms.ChannelSMS, "222") {
		t.Error("a different device must not share the budget")
	}
	if !l.Allow(ctx, alarms.ChannelEmail, "111") {
		t.Error("a different channel must not share the budget")
	}
}

func TestAllowDeviceWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t, 100, time.Minute)
	ctx := context.Background()

	if !l.Allow(ctx, alarms.ChannelSMS, "111") {
		t.Fatal("first send should pass")
	}
	mr.FastForward(61 * time.Second)
	if !l.Allow(ctx, alarms.ChannelSMS, "111") {
		t.Error("send after window expiry should pass")
	}
}

func TestAllowGlobalBudget(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	if !l.Allow(ctx, alarms.ChannelVoice, "a") {
		t.Fatal("first send should pass")
	}
	if !l.Allow(ctx, alarms.ChannelVoice, "b") {
		t.Fatal("second send should pass")
	}
	if l.Allow(ctx, alarms.ChannelVoice, "c") {
		t.Error("third send should exceed the global per-minute budget")
	}
}

func TestAllowFailsOpenOnBackendError(t *testing.T) {
	l, mr := newTestLimiter(t, 1, time.Minute)
	errs := 0
	l.OnError(func() { errs++ })

	mr.Close()

	if !l.Allow(context.Background(), alarms.ChannelSMS, "111") {
		t.Error("limiter must fail open when the backend is down")
	}
	if errs == 0 {
		t.Error("expected the error hook to fire")
	}
}

func TestDisabledLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := &db.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	l := NewLimiter(client, zap.NewNop(), 1, time.Minute, false)

	for i := 0; i < 5; i++ {
		if !l.Allow(context.Background(), alarms.ChannelSMS, "111") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
