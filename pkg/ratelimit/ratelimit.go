// Package ratelimit enforces per-identity, per-tier call budgets with
// token buckets. Buckets start full so a client can burst up to its
// window budget, then refill continuously.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/metrics"
)

// Budget is the allowance for one tier
type Budget struct {
	Calls  int
	Window time.Duration
}

// Config maps tiers to budgets
type Config struct {
	Budgets map[string]Budget
}

// DefaultConfig returns per-tier defaults: reads are cheap, approvals
// and professional workflows are not
func DefaultConfig() Config {
	return Config{
		Budgets: map[string]Budget{
			"fundamental":  {Calls: 120, Window: time.Minute},
			"advanced":     {Calls: 30, Window: time.Minute},
			"professional": {Calls: 10, Window: time.Minute},
		},
	}
}

// Limiter tracks one token bucket per (identity, tier)
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a rate limiter
func New(cfg Config) *Limiter {
	if cfg.Budgets == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one call from the (identity, tier) bucket. A denial
// reports how long until the next token.
func (l *Limiter) Allow(identity, tier string) error {
	return l.allowAt(time.Now(), identity, tier)
}

func (l *Limiter) allowAt(now time.Time, identity, tier string) error {
	budget, ok := l.cfg.Budgets[tier]
	if !ok {
		return errdefs.New(errdefs.CodeInvalidRequest, "unknown tool tier %q", tier)
	}

	bucket := l.bucket(identity, tier, budget)
	if bucket.AllowN(now, 1) {
		return nil
	}

	metrics.RateLimitedTotal.WithLabelValues(tier).Inc()
	retry := bucket.ReserveN(now, 1)
	delay := retry.DelayFrom(now)
	retry.CancelAt(now)

	return errdefs.New(errdefs.CodeRateLimitExceeded,
		"rate limit exceeded for %s tier (%d calls per %s)", tier, budget.Calls, budget.Window).
		WithData("retry_after_ms", delay.Milliseconds())
}

func (l *Limiter) bucket(identity, tier string, budget Budget) *rate.Limiter {
	key := identity + "|" + tier
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[key]
	if !ok {
		perSecond := float64(budget.Calls) / budget.Window.Seconds()
		bucket = rate.NewLimiter(rate.Limit(perSecond), budget.Calls)
		l.buckets[key] = bucket
	}
	return bucket
}
