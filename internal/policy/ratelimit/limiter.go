// Package ratelimit implements a token bucket limiter pacing outbound
// requests per peer domain, so crawls and announcement rounds cannot hammer
// a single instance.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshboard/meshboard/internal/metrics"
)

// Limiter manages per-domain rate limits. A nil *Limiter never delays.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A zero or negative RPS disables
// limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the given domain, respecting
// the context.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	if l == nil {
		return nil
	}
	if domain == "" {
		domain = "unknown"
	}
	l.mu.Lock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveOutboundThrottle(delay)
	}
	return nil
}

// SetDomainLimit overrides the rate for one domain, replacing any existing
// bucket.
func (l *Limiter) SetDomainLimit(domain string, rps float64, burst int) {
	if l == nil {
		return
	}
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	l.limiters[domain] = rate.NewLimiter(r, burst)
	l.mu.Unlock()
}
