// Package ratelimit enforces daily per-user quotas on the paid endpoints.
//
// Counters live in the server database keyed by (user, action, UTC day), so
// they reset at UTC midnight and are shared by every server instance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polravi/mapmyactivities/internal/observability"
)

// Tier is a subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Actions with a quota.
const (
	ActionAISuggest  = "aiSuggest"
	ActionVoiceParse = "voiceParse"
)

// DefaultLimit applies to actions missing from the limits table.
const DefaultLimit = 10

// Limits is the daily allowance of each action per tier.
var Limits = map[string]map[Tier]int{
	ActionAISuggest:  {TierFree: 10, TierPro: 100},
	ActionVoiceParse: {TierFree: 20, TierPro: 200},
}

// ErrQuotaExceeded is matched by every QuotaExceededError.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaExceededError is returned when a user has used up an action for the
// day. Its message is meant for the end user.
type QuotaExceededError struct {
	Action string
	Tier   Tier
	Limit  int
}

func (e *QuotaExceededError) Error() string {
	if e.Tier == TierFree {
		return "Daily AI limit reached. Upgrade to Pro for unlimited."
	}
	return "Rate limit exceeded. Please try again later."
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// QuotaStore persists the counters.
type QuotaStore interface {
	TakeQuota(ctx context.Context, userID, action, day string, limit int, now time.Time) (int, bool, error)
}

// TierFunc looks up a user's tier.
type TierFunc func(ctx context.Context, userID string) Tier

// StaticTiers resolves tiers from a fixed map, falling back to def.
func StaticTiers(tiers map[string]Tier, def Tier) TierFunc {
	return func(_ context.Context, userID string) Tier {
		if t, ok := tiers[userID]; ok {
			return t
		}
		return def
	}
}

// Limiter checks and consumes quota.
type Limiter struct {
	store   QuotaStore
	tier    TierFunc
	metrics *observability.SyncMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithTiers(f TierFunc) Option {
	return func(l *Limiter) { l.tier = f }
}

func WithMetrics(m *observability.SyncMetrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter. Every user is on the free tier unless WithTiers
// says otherwise.
func New(store QuotaStore, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		tier:  StaticTiers(nil, TierFree),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With(slog.String("component", "ratelimit"))
	return l
}

// LimitFor returns the daily allowance of action on tier.
func LimitFor(action string, tier Tier) int {
	if n, ok := Limits[action][tier]; ok {
		return n
	}
	return DefaultLimit
}

// CheckRateLimit consumes one use of action for userID, or returns a
// *QuotaExceededError when the day's allowance is spent.
func (l *Limiter) CheckRateLimit(ctx context.Context, userID, action string) error {
	now := l.now().UTC()
	tier := l.tier(ctx, userID)
	limit := LimitFor(action, tier)

	count, ok, err := l.store.TakeQuota(ctx, userID, action, now.Format(time.DateOnly), limit, now)
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !ok {
		l.metrics.QuotaRejected(action)
		l.logger.Info("quota exceeded",
			slog.String("user", userID),
			slog.String("action", action),
			slog.Int("count", count),
			slog.Int("limit", limit),
		)
		return &QuotaExceededError{Action: action, Tier: tier, Limit: limit}
	}
	return nil
}
