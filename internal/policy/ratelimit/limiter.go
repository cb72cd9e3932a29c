// Package ratelimit throttles outbound requests per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DelayObserver is told how long a request waited for its host's bucket.
type DelayObserver interface {
	RateLimitDelay(host string, d time.Duration)
}

// Config holds rate limiter configuration. A non-positive rate disables throttling.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// HostOverrides sets a different rate for specific hosts.
	HostOverrides map[string]float64
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burst     int
	overrides map[string]rate.Limit
	observer  DelayObserver
}

// New creates a Limiter. observer may be nil.
func New(cfg Config, observer DelayObserver) *Limiter {
	l := &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		rate:      toLimit(cfg.RequestsPerSecond),
		burst:     max(1, cfg.Burst),
		overrides: make(map[string]rate.Limit, len(cfg.HostOverrides)),
		observer:  observer,
	}
	for host, rps := range cfg.HostOverrides {
		l.overrides[host] = toLimit(rps)
	}
	return l
}

// Wait blocks until the host of rawURL has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.bucket(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were already available are not worth reporting.
	if waited := time.Since(start); waited > time.Millisecond && l.observer != nil {
		l.observer.RateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		r, overridden := l.overrides[host]
		if !overridden {
			r = l.rate
		}
		limiter = rate.NewLimiter(r, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
