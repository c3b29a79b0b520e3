package bulk

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter runs functions asynchronously with bounded concurrency.
type Limiter struct {
	size     int64
	sem      *semaphore.Weighted
	throttle *rate.Limiter

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewLimiter creates a limiter running at most concurrency functions at a
// time, clamped to 1..256. A positive perSecond additionally throttles how
// often functions may start.
func NewLimiter(concurrency int, perSecond float64) *Limiter {
	size := int64(min(max(concurrency, 1), maxConcurrencyLimit))
	l := &Limiter{size: size, sem: semaphore.NewWeighted(size)}
	if perSecond > 0 {
		l.throttle = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return l
}

// Submit blocks until a slot is free, then starts fn in its own goroutine.
// The slot is released when fn returns or panics.
func (l *Limiter) Submit(ctx context.Context, fn func()) error {
	if l.throttle != nil {
		if err := l.throttle.Wait(ctx); err != nil {
			return err
		}
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.inFlight.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	go func() {
		defer func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		}()
		fn()
	}()
	return nil
}

// Wait blocks until every submitted function has returned. It returns
// false if timeout elapses first; running functions are not interrupted.
func (l *Limiter) Wait(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.WaitContext(ctx)
}

// WaitContext is Wait bounded by ctx.
func (l *Limiter) WaitContext(ctx context.Context) bool {
	if err := l.sem.Acquire(ctx, l.size); err != nil {
		return false
	}
	l.sem.Release(l.size)
	return true
}

// Size returns the concurrency bound.
func (l *Limiter) Size() int {
	return int(l.size)
}

// InFlight returns the number of running functions.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Peak returns the highest number of functions that ran at once.
func (l *Limiter) Peak() int {
	return int(l.peak.Load())
}
