// Package ratelimit implements a sliding-window rate limiter shared by all
// workers of a run: at most Capacity grants inside any Window, handed out in
// arrival order.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
	"github.com/JakeFAU/taxdue-crawler/internal/metrics"
	"golang.org/x/time/rate"
)

const maxMargin = 100 * time.Millisecond

// Config holds rate limiter configuration.
type Config struct {
	// Capacity is the maximum number of grants inside any Window.
	Capacity int
	// Window is the length of the sliding window.
	Window time.Duration
	// MinInterval optionally spaces consecutive grants. Zero disables it.
	MinInterval time.Duration
}

// Limiter hands out grants under a sliding-window log of actual grant
// times. Only the caller at the head of the line computes its wait; the
// others queue on turn, which the runtime serves in arrival order.
type Limiter struct {
	turn chan struct{}

	mu       sync.Mutex
	capacity int
	window   time.Duration
	// margin pads each window edge to cover the gap between a grant and
	// the request it admits.
	margin time.Duration
	grants []time.Time // actual grant times, non-decreasing
	pacer  *rate.Limiter
	now    func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("rate limit capacity must be positive")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("rate limit window must be positive")
	}
	l := &Limiter{
		turn:     make(chan struct{}, 1),
		capacity: cfg.Capacity,
		window:   cfg.Window,
		margin:   min(cfg.Window/10, maxMargin),
		grants:   make([]time.Time, 0, cfg.Capacity),
		now:      time.Now,
	}
	if cfg.MinInterval > 0 {
		l.pacer = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return l, nil
}

// Acquire blocks until a grant is available. If ctx is done first nothing
// is recorded and an error matching crawler.ErrCancelled is returned.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrCancelled, err)
	}
	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", crawler.ErrCancelled, ctx.Err())
	}
	defer func() { <-l.turn }()

	start := l.now()
	for {
		delay, paced := l.admit(l.now())
		if delay <= 0 {
			l.observe(start)
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			if paced != nil {
				l.commit(l.now())
				l.observe(start)
				return nil
			}
		case <-ctx.Done():
			timer.Stop()
			if paced != nil {
				paced.CancelAt(l.now())
			}
			return fmt.Errorf("%w: %w", crawler.ErrCancelled, ctx.Err())
		}
	}
}

// admit records a grant at now when the window and pacer allow it.
// Otherwise it returns the wait. A non-nil reservation means the window is
// clear and only the pacer holds the caller back; the caller must commit
// or cancel it.
func (l *Limiter) admit(now time.Time) (time.Duration, *rate.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	if n := len(l.grants); n >= l.capacity {
		if edge := l.grants[n-l.capacity].Add(l.window + l.margin); edge.After(now) {
			return edge.Sub(now), nil
		}
	}
	if l.pacer != nil {
		r := l.pacer.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			return d, r
		}
	}
	l.grants = append(l.grants, now)
	return 0, nil
}

// commit records a grant at the actual time the caller is released.
func (l *Limiter) commit(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.grants); n > 0 && at.Before(l.grants[n-1]) {
		at = l.grants[n-1]
	}
	l.grants = append(l.grants, at)
}

func (l *Limiter) observe(start time.Time) {
	if waited := l.now().Sub(start); waited > 0 {
		metrics.ObserveRateLimitDelay(waited)
	}
}

// prune drops grants that can no longer constrain a grant at or after now.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-(l.window + l.margin))
	drop := 0
	for drop < len(l.grants) && !l.grants[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		l.grants = append(l.grants[:0], l.grants[drop:]...)
	}
}

// Pending returns the number of grants still inside the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.grants)
}
