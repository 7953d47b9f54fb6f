package transport

import (
	"sync"
	"time"
)

const (
	// DefaultBreakerThreshold is how many consecutive failures inside the
	// window trip the breaker.
	DefaultBreakerThreshold = 3
	// DefaultBreakerWindow bounds how old a failure can be and still count.
	DefaultBreakerWindow = time.Minute
)

// Breaker counts consecutive connection failures and, once tripped, rejects
// new sessions until an explicit Reset. It never closes on its own: a user
// retrying into a dead backend should see an immediate local error, not
// another doomed connection attempt.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  []time.Time
	open      bool

	now func() time.Time
}

// NewBreaker returns a breaker tripping after threshold consecutive failures
// within window. Non-positive arguments fall back to the defaults.
func NewBreaker(threshold int, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if window <= 0 {
		window = DefaultBreakerWindow
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Allow reports whether a new connection attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// RecordFailure notes a failed connection attempt. Reaching the threshold
// within the window opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = b.prune(now)
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.threshold {
		b.open = true
	}
}

// RecordSuccess clears the consecutive failure streak. It does not close an
// open breaker; only Reset does.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

// Reset closes the breaker and clears its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.failures = nil
}

// IsOpen reports whether the breaker is rejecting attempts.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the current in-window failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prune(b.now()))
}

func (b *Breaker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

var defaultBreaker = NewBreaker(DefaultBreakerThreshold, DefaultBreakerWindow)

// DefaultBreaker returns the process-wide breaker shared by all voice
// sessions.
func DefaultBreaker() *Breaker {
	return defaultBreaker
}
