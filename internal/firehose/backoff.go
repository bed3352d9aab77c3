package firehose

import (
	"sync"
	"time"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// Backoff yields min(initial*2^attempt, max) and advances attempt on every call.
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	attempt int
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.initial
	for i := 0; i < b.attempt; i++ {
		delay *= 2
		if delay >= b.max {
			delay = b.max
			break
		}
	}
	b.attempt++
	return delay
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
