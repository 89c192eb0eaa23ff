package natsclient

import (
	"sync"
	"time"
)

const initialCoolDown = time.Second

// breaker gates connection attempts. After threshold consecutive failures it
// opens for a cool-down; every reopen doubles the cool-down up to maxCoolDown.
// Once the cool-down has elapsed the next attempt is let through (half-open)
// and a single failure reopens it.
type breaker struct {
	threshold   int
	maxCoolDown time.Duration
	now         func() time.Time

	mu          sync.Mutex
	consecutive int
	total       int
	lastFailure time.Time
	coolDown    time.Duration
	openUntil   time.Time
}

func newBreaker(threshold int, maxCoolDown time.Duration) *breaker {
	return &breaker{
		threshold:   threshold,
		maxCoolDown: maxCoolDown,
		now:         time.Now,
		coolDown:    initialCoolDown,
	}
}

// allow reports whether an attempt may start now.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// failure records a failed attempt and reports whether it opened the breaker.
func (b *breaker) failure() (opened bool, coolDown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.total++
	b.consecutive++
	b.lastFailure = now

	halfOpen := !b.openUntil.IsZero()
	if b.consecutive < b.threshold && !halfOpen {
		return false, 0
	}

	coolDown = b.coolDown
	b.openUntil = now.Add(coolDown)
	b.coolDown = min(2*b.coolDown, b.maxCoolDown)
	b.consecutive = 0
	return true, coolDown
}

// success closes the breaker and forgets past failures.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.total = 0
	b.lastFailure = time.Time{}
	b.coolDown = initialCoolDown
	b.openUntil = time.Time{}
}

type breakerState struct {
	failures    int
	lastFailure time.Time
	coolDown    time.Duration
	open        bool
}

func (b *breaker) state() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return breakerState{
		failures:    b.total,
		lastFailure: b.lastFailure,
		coolDown:    b.coolDown,
		open:        b.now().Before(b.openUntil),
	}
}
