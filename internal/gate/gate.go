package gate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/db"
	"alarm-dispatcher/internal/rate"
)

// Skip reasons recorded on gated notifications.
const (
	ReasonDeduplicated = "deduplicated"
	ReasonQuietHours   = "quiet_hours"
	ReasonBounced      = "bounce_suppressed"
	ReasonRateLimited  = "rate_limited"
	ReasonCancelled    = "cancelled"
	ReasonNoContacts   = "no_contacts"
)

const bounceSetKey = "alarms:bounces"

// Decision is the outcome of gating one (alarm, channel) pair.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func skip(reason string) Decision {
	return Decision{Reason: reason}
}

// Gate applies the per-channel suppression rules that run after dedup:
// quiet hours, then bounce suppression (per recipient, via Suppressed),
// then the rate limiter. The limiter runs last so a fully suppressed
// recipient list never consumes a token; AllowRate is therefore a
// separate step the caller takes once deliverable recipients are known.
type Gate struct {
	redis    *db.RedisClient
	limiter  *rate.Limiter
	logger   *zap.Logger
	critical map[string]bool
}

func New(redis *db.RedisClient, limiter *rate.Limiter, logger *zap.Logger, criticalCategories []string) *Gate {
	critical := make(map[string]bool, len(criticalCategories))
	for _, c := range criticalCategories {
		critical[strings.ToLower(strings.TrimSpace(c))] = true
	}
	return &Gate{redis: redis, limiter: limiter, logger: logger, critical: critical}
}

// Check gates one channel of an alarm. Contacts are the active contacts
// of the alarm's imei in priority order.
func (g *Gate) Check(ctx context.Context, alarm *alarms.Alarm, ch alarms.Channel, contacts []alarms.Contact) Decision {
	if !alarm.IsValid {
		return skip(ReasonCancelled)
	}

	if !g.critical[strings.ToLower(alarm.Category)] {
		now := time.Now().UTC()
		for i := range contacts {
			if contacts[i].InQuietHours(now) {
				return skip(ReasonQuietHours)
			}
		}
	}

	return allow
}

// AllowRate consumes one token from the channel's rate budgets.
func (g *Gate) AllowRate(ctx context.Context, ch alarms.Channel, imei string) Decision {
	if !g.limiter.Allow(ctx, ch, imei) {
		return skip(ReasonRateLimited)
	}
	return allow
}

// Suppressed reports whether an email recipient is on the bounce
// suppression list. Backend errors fail open, same policy as the rate
// limiter.
func (g *Gate) Suppressed(ctx context.Context, email string) bool {
	on, err := g.redis.SIsMember(ctx, bounceSetKey, strings.ToLower(email)).Result()
	if err != nil {
		g.logger.Warn("bounce suppression lookup failed, failing open", zap.Error(err))
		return false
	}
	return on
}

// Suppress adds an email to the bounce suppression list (webhook
// ingestion or admin action).
func (g *Gate) Suppress(ctx context.Context, email string) error {
	return g.redis.SAdd(ctx, bounceSetKey, strings.ToLower(email)).Err()
}

func (g *Gate) Unsuppress(ctx context.Context, email string) error {
	return g.redis.SRem(ctx, bounceSetKey, strings.ToLower(email)).Err()
}

func (g *Gate) SuppressedList(ctx context.Context) ([]string, error) {
	return g.redis.SMembers(ctx, bounceSetKey).Result()
}
