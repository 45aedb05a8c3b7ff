package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UpsertLimiter enforces the ERP endpoint's request contract: at most
// WindowLimit requests in any sliding Window, with MinSpacing between
// consecutive requests. The sliding window is tracked with explicit
// timestamps because a token bucket refills continuously and would admit
// more than the limit across a window boundary; the spacing floor rides on
// a rate.Limiter with burst 1.
//
// The dispatcher is the only caller on the hot path. The mutex exists so
// that Wait and InWindow are safe from the health monitor too.
type UpsertLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	stamps  []time.Time
	spacing *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// LimiterOption configures an UpsertLimiter.
type LimiterOption func(*UpsertLimiter)

// WithLimiterClock replaces the limiter's time and sleep sources for tests.
func WithLimiterClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) LimiterOption {
	return func(l *UpsertLimiter) {
		l.now = now
		l.sleep = sleep
	}
}

// NewUpsertLimiter creates a limiter admitting at most limit requests per
// sliding window, spaced at least minSpacing apart.
func NewUpsertLimiter(limit int, window, minSpacing time.Duration, opts ...LimiterOption) *UpsertLimiter {
	spacing := rate.NewLimiter(rate.Inf, 1)
	if minSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(minSpacing), 1)
	}

	limiter := &UpsertLimiter{
		limit:   limit,
		window:  window,
		stamps:  make([]time.Time, 0, limit),
		spacing: spacing,
		now:     time.Now,
		sleep:   sleepContext,
	}

	for _, opt := range opts {
		opt(limiter)
	}

	return limiter
}

// Wait blocks until the next request may start, then records it. The slot is
// committed before sleeping: a canceled wait burns its slot, which keeps the
// limiter conservative across shutdown races.
func (l *UpsertLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()

	now := l.now()
	l.prune(now)

	var windowDelay time.Duration

	if len(l.stamps) >= l.limit {
		windowDelay = l.stamps[len(l.stamps)-l.limit].Add(l.window).Sub(now)
		if windowDelay < 0 {
			windowDelay = 0
		}
	}

	// Reserve the spacing slot at the time the window opens, not at now,
	// so the two constraints compose instead of stacking.
	windowOpen := now.Add(windowDelay)
	reservation := l.spacing.ReserveN(windowOpen, 1)
	start := windowOpen.Add(reservation.DelayFrom(windowOpen))

	l.stamps = append(l.stamps, start)
	l.mu.Unlock()

	if delay := start.Sub(now); delay > 0 {
		return l.sleep(ctx, delay)
	}

	return nil
}

// InWindow reports how many requests started inside the current sliding
// window. Used for health reporting.
func (l *UpsertLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())

	return len(l.stamps)
}

// prune drops timestamps that fell out of the sliding window. Callers hold mu.
func (l *UpsertLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)

	keep := 0
	for keep < len(l.stamps) && !l.stamps[keep].After(cutoff) {
		keep++
	}

	if keep > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[keep:]...)
	}
}

// sleepContext sleeps for d or until the context is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
