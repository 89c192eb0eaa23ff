package retry

import (
	"context"
	"sync"
	"time"
)

// BackoffConfig bounds a reconnect backoff.
type BackoffConfig struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Jitter is the fraction of the base delay that may be added at random (0..1).
	Jitter float64
}

// DefaultBackoffConfig returns the relay reconnect defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Backoff is the delay state of one reconnecting session. Successive delays never
// decrease until Reset and never exceed Max.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	attempts int
	last     time.Duration
	random   func() float64
}

// NewBackoff creates a Backoff. Zero fields of cfg take the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &Backoff{cfg: cfg, random: randFloat}
}

// Next returns the delay before the next attempt and records the failure.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := float64(b.cfg.Min)
	for i := 0; i < b.attempts && base < float64(b.cfg.Max); i++ {
		base *= b.cfg.Factor
	}
	d := base + base*b.cfg.Jitter*b.random()
	if d > float64(b.cfg.Max) {
		d = float64(b.cfg.Max)
	}

	delay := time.Duration(d)
	if delay < b.last {
		delay = b.last
	}
	b.last = delay
	b.attempts++
	return delay
}

// Exhaust moves the backoff to its maximum delay. Used for failures that are not
// expected to clear quickly, such as a protocol version mismatch.
func (b *Backoff) Exhaust() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = b.cfg.Max
	b.attempts++
}

// Reset returns the backoff to its minimum delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.last = 0
}

// Attempts returns the number of failures recorded since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
