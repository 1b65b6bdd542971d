// Package ratelimit implements the upstream dispatch gate of
// spec.md §4.1: bounded concurrency plus a minimum inter-dispatch
// interval, with exact FIFO admission order.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter caps simultaneous in-flight operations and enforces a
// minimum spacing between dispatches. Unlike a bare *rate.Limiter,
// admission order is exact FIFO: a ticket queue decides who goes next,
// while golang.org/x/time/rate decides *when* the next ticket may be
// honored (grounded on ws/internal/shared/limits/connection_rate_limiter.go's
// token-bucket construction, adapted from per-IP connection admission
// to per-call RPC dispatch gating).
type Limiter struct {
	maxConcurrency int
	gate           *rate.Limiter

	mu            sync.Mutex
	active        int
	waiters       []chan struct{}
	pumpScheduled bool

	logger zerolog.Logger
}

// New creates a Limiter allowing at most maxConcurrency concurrently
// active operations, with at least minInterval between successive
// dispatches.
func New(maxConcurrency int, minInterval time.Duration, logger zerolog.Logger) *Limiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	var gate *rate.Limiter
	if minInterval <= 0 {
		gate = rate.NewLimiter(rate.Inf, 1)
	} else {
		gate = rate.NewLimiter(rate.Every(minInterval), 1)
	}

	return &Limiter{
		maxConcurrency: maxConcurrency,
		gate:           gate,
		logger:         logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Acquire suspends the caller until both gating conditions hold:
// active < maxConcurrency AND the minimum interval has elapsed since
// the previous dispatch. Admission is FIFO among concurrent waiters.
func (l *Limiter) Acquire(ctx context.Context) error {
	ticket := make(chan struct{})

	l.mu.Lock()
	l.waiters = append(l.waiters, ticket)
	l.mu.Unlock()

	l.pump()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		l.cancelWaiter(ticket)
		return ctx.Err()
	}
}

// Release returns the caller's slot, waking at most one waiter in
// FIFO order once the minimum interval allows it. Calling Release
// without a matching prior Acquire is a programming error; it is
// logged and treated as a no-op (spec.md §4.1 failure semantics).
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.active == 0 {
		l.mu.Unlock()
		l.logger.Warn().Msg("release called without a matching acquire")
		return
	}
	l.active--
	l.mu.Unlock()

	l.pump()
}

// pump admits as many queued waiters as the concurrency and interval
// gates currently allow, scheduling a timer to retry once the
// interval gate is the only thing blocking progress.
func (l *Limiter) pump() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.waiters) > 0 {
		if l.active >= l.maxConcurrency {
			return
		}

		reservation := l.gate.Reserve()
		if !reservation.OK() {
			reservation.Cancel()
			return
		}

		if delay := reservation.Delay(); delay > 0 {
			// The timer takes a fresh reservation when it fires, so this
			// one is handed back rather than left holding the token.
			reservation.Cancel()
			if !l.pumpScheduled {
				l.pumpScheduled = true
				time.AfterFunc(delay, l.onTimerFire)
			}
			return
		}

		ticket := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.active++
		close(ticket)
	}
}

func (l *Limiter) onTimerFire() {
	l.mu.Lock()
	l.pumpScheduled = false
	l.mu.Unlock()
	l.pump()
}

// cancelWaiter best-effort removes a not-yet-admitted ticket from the
// queue when its Acquire call was abandoned via context cancellation.
func (l *Limiter) cancelWaiter(ticket chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == ticket {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// Active returns the current number of acquired-but-not-released
// slots, for diagnostics/metrics.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
