// Package ratelimit throttles source queries per gateway host. Sources that
// share a gateway share its token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/condor-spider/internal/metrics"
)

// Config holds rate limiter configuration. A non-positive rate disables
// limiting for the hosts it applies to.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides DefaultRPS for individual gateway hosts.
	HostRPS map[string]float64
}

// Limiter hands out one token bucket per host.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	overrides := make(map[string]float64, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		overrides[strings.ToLower(host)] = rps
	}
	cfg.HostRPS = overrides
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

// Limit returns the rate applied to host.
func (l *Limiter) Limit(host string) rate.Limit {
	rps, ok := l.cfg.HostRPS[strings.ToLower(host)]
	if !ok {
		rps = l.cfg.DefaultRPS
	}
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.Limit(host), l.cfg.DefaultBurst)
		l.buckets[host] = b
	}
	return b
}

// Wait blocks until the host of target may be queried again. It fails when
// ctx ends first, including when the run deadline is too close for the
// next token.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	host := metrics.SanitizeHost(target)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	// An immediately available token is not worth a sample.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveQueryThrottle(host, waited)
	}
	return nil
}
