// Package ratelimit enforces the gateway's request quotas with independent
// sliding-window buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"riskguard/internal/metrics"
)

const (
	// BucketGeneral covers every gateway endpoint except historical bars.
	BucketGeneral = "general"
	// BucketBars covers History/retrieveBars only.
	BucketBars = "bars"
)

// Config declares one named quota bucket.
type Config struct {
	Name     string
	Capacity int
	Window   time.Duration
}

// BucketStats is a point-in-time view of one bucket's usage.
type BucketStats struct {
	Capacity  int           `json:"capacity"`
	Window    time.Duration `json:"window"`
	InFlight  int           `json:"in_flight"`
	Remaining int           `json:"remaining"`
}

type bucket struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	grants   []time.Time
}

// Limiter holds independent buckets; acquiring one never blocks the other.
type Limiter struct {
	buckets map[string]*bucket
	now     func() time.Time
}

// Option configures Limiter construction.
type Option func(*Limiter)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a limiter from the given bucket configs. With no configs it
/// installs the gateway quotas: general 200 requests per 60s and bars 50
// requests per 30s.
func New(cfgs []Config, opts ...Option) *Limiter {
	if len(cfgs) == 0 {
		cfgs = []Config{
			{Name: BucketGeneral, Capacity: 200, Window: 60 * time.Second},
			{Name: BucketBars, Capacity: 50, Window: 30 * time.Second},
		}
	}
	l := &Limiter{
		buckets: make(map[string]*bucket, len(cfgs)),
		now:     time.Now,
	}
	for _, cfg := range cfgs {
		l.buckets[cfg.Name] = &bucket{
			capacity: cfg.Capacity,
			window:   cfg.Window,
			grants:   make([]time.Time, 0, cfg.Capacity),
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve admits the caller immediately (returns 0) or returns the duration
// the caller must wait before trying again. It never blocks.
func (l *Limiter) Reserve(name string) (time.Duration, error) {
	b, ok := l.buckets[name]
	if !ok {
		return 0, fmt.Errorf("unknown rate bucket %q", name)
	}

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(now)
	if len(b.grants) < b.capacity {
		b.grants = append(b.grants, now)
		return 0, nil
	}
	return b.window - now.Sub(b.grants[0]), nil
}

// Acquire blocks until a slot is granted or the context is cancelled.
// Waits are paced by Reserve's hint, so a full bucket costs one sleep per
// retry rather than a busy loop.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	for {
		wait, err := l.Reserve(name)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		metrics.RateLimitWaits.WithLabelValues(name).Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats snapshots every bucket for the status surface.
func (l *Limiter) Stats() map[string]BucketStats {
	out := make(map[string]BucketStats, len(l.buckets))
	now := l.now()
	for name, b := range l.buckets {
		b.mu.Lock()
		b.evict(now)
		out[name] = BucketStats{
			Capacity:  b.capacity,
			Window:    b.window,
			InFlight:  len(b.grants),
			Remaining: b.capacity - len(b.grants),
		}
		b.mu.Unlock()
	}
	return out
}

// evict drops grants that have left the trailing window. Callers hold the
// bucket mutex.
func (b *bucket) evict(now time.Time) {
	cut := 0
	for cut < len(b.grants) && now.Sub(b.grants[cut]) >= b.window {
		cut++
	}
	if cut > 0 {
		b.grants = append(b.grants[:0], b.grants[cut:]...)
	}
}
