package remote

import (
	"sync"
	"time"
)

type BreakerState string

const BreakerClosed BreakerState = "closed"
const BreakerOpen BreakerState = "open"
const BreakerHalfOpen BreakerState = "half-open"

// Breaker counts consecutive connection failures to one host. At threshold
// it rejects attempts until cooldown has passed, then lets a single trial
// attempt through whose outcome closes or reopens it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
	trial     bool
}

func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// Allow returns ErrCircuitOpen when no attempt may be made right now
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return nil
	}
	if b.now().Before(b.openUntil) || b.trial {
		return ErrCircuitOpen
	}
	b.trial = true
	return nil
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.trial = false
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.trial = false
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

// Release gives back a trial slot without recording an outcome, for
// attempts abandoned by the caller
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

func (b *Breaker) state() BreakerState {
	switch {
	case b.failures < b.threshold:
		return BreakerClosed
	case b.now().Before(b.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

// BreakerInfo is a point in time view of a breaker
type BreakerInfo struct {
	State     BreakerState `json:"state"`
	Failures  int          `json:"failures"`
	OpenUntil *time.Time   `json:"open-until,omitempty"`
}

func (b *Breaker) Info() BreakerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := BreakerInfo{State: b.state(), Failures: b.failures}
	if !b.openUntil.IsZero() {
		t := b.openUntil
		info.OpenUntil = &t
	}
	return info
}
