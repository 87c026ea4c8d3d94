// Package backoff provides the retry primitives shared by outbound
// connection management and the system-wide trading circuit breaker.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ConnectionBackoff implements exponential backoff with jitter for one
// logical connection key. Zero delay on the first attempt, then
// min(base·factor^(n-1), max) plus uniform jitter up to 10% of the
// computed delay.
type ConnectionBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64

	mu          sync.Mutex
	attempts    int
	lastAttempt time.Time
	now         func() time.Time
	jitter      func() float64
}

// NewConnectionBackoff creates a backoff with the given parameters.
func NewConnectionBackoff(base, max time.Duration, factor float64) *ConnectionBackoff {
	return &ConnectionBackoff{
		BaseDelay: base,
		MaxDelay:  max,
		Factor:    factor,
		now:       time.Now,
		jitter:    rand.Float64,
	}
}

// GetDelay returns the wait before the next attempt.
func (b *ConnectionBackoff) GetDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayLocked()
}

func (b *ConnectionBackoff) delayLocked() time.Duration {
	if b.attempts == 0 {
		return 0
	}

	delay := float64(b.BaseDelay) * math.Pow(b.Factor, float64(b.attempts-1))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	delay += b.jitter() * delay * 0.1
	return time.Duration(delay)
}

// RecordAttempt increments the attempt counter and timestamps it.
func (b *ConnectionBackoff) RecordAttempt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	b.lastAttempt = b.now()
}

// RecordSuccess resets the backoff.
func (b *ConnectionBackoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.lastAttempt = time.Time{}
}

// CanRetry reports whether the current delay has elapsed since the last
// attempt. Always true before the first attempt.
func (b *ConnectionBackoff) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts == 0 {
		return true
	}
	return b.now().Sub(b.lastAttempt) >= b.delayLocked()
}

// Attempts returns the current attempt count.
func (b *ConnectionBackoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
