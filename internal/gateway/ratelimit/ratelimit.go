// Package ratelimit implements per-client token buckets with continuous
// refill and a background sweep of idle buckets.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

// Defaults when the config leaves fields unset.
const (
	DefaultRequestsPerMinute = 120
	DefaultBurstSize         = 20
	DefaultCleanupInterval   = 5 * time.Minute
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks one token bucket per client identity (remote IP or
// authenticated user UUID). Buckets refill continuously at
// requests_per_minute/60 tokens per second up to the burst capacity.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity float64
	rate     float64 // tokens per second
	cleanup  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Config holds Limiter settings.
type Config struct {
	// RequestsPerMinute is the refill rate; non-positive takes the default.
	RequestsPerMinute int
	// BurstSize is the bucket capacity. Zero means zero-capacity buckets
	// that admit no requests; negative takes the default.
	BurstSize int
	// CleanupInterval is the idle-bucket sweep period; non-positive takes
	// the default.
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.BurstSize < 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(cfg.BurstSize),
		rate:     float64(cfg.RequestsPerMinute) / 60,
		cleanup:  cfg.CleanupInterval,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Check spends one token for the client, failing with a rate-limit error
// when the bucket is empty.
func (l *Limiter) Check(clientID string) error {
	return l.CheckN(clientID, 1)
}

// CheckN spends n tokens for the client.
func (l *Limiter) CheckN(clientID string, n float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[clientID] = b
	}

	b.tokens = min(l.capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*l.rate)
	b.lastRefill = now

	if b.tokens < n {
		return apierr.E(apierr.ErrRateLimit, "rate limit exceeded")
	}
	b.tokens -= n
	return nil
}

// Sweep drops buckets idle for longer than twice the cleanup interval and
// reports how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * l.cleanup)
	removed := 0
	for id, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets on the cleanup interval until the context ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("rate limit buckets swept", "removed", n)
			}
		}
	}
}

// Size reports the number of tracked buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
