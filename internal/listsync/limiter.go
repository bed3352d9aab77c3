package listsync

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const DefaultConcurrency = 4

// Limiter gates outbound repository mutations: at most max calls run at once, and
// when a rate is configured, starts are additionally paced to that many per second.
type Limiter struct {
	slots    *semaphore.Weighted
	pace     *rate.Limiter
	max      int
	inFlight atomic.Int64
}

// NewLimiter builds a limiter. max <= 0 selects DefaultConcurrency; rps <= 0 disables
// pacing. burst defaults to max when not positive.
func NewLimiter(max int, rps float64, burst int) *Limiter {
	if max <= 0 {
		max = DefaultConcurrency
	}
	l := &Limiter{
		slots: semaphore.NewWeighted(int64(max)),
		max:   max,
	}
	if rps > 0 {
		if burst <= 0 {
			burst = max
		}
		l.pace = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

// Do runs fn once a slot is free. It returns ctx.Err() without running fn if the
// context ends while queued.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.slots.Release(1)
	if l.pace != nil {
		if err := l.pace.Wait(ctx); err != nil {
			return err
		}
	}
	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	return fn(ctx)
}

func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

func (l *Limiter) Max() int {
	return l.max
}
