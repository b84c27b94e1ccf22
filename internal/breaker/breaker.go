// Package breaker implements a small closed/open/half-open circuit
// breaker, shared by the async-enricher processor (C4) and any sink
// that wants to protect itself from a consistently failing downstream
// (C5). Grounded on server/ratelimit.go's goroutine-free,
// lock-protected counter style rather than a third-party breaker
// library — no circuit-breaker package appears anywhere in the
// retrieved example pack, so this is implemented directly against the
// standard library.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips to Open after FailureThreshold consecutive failures,
// and moves to HalfOpen after RecoveryTimeout has elapsed, allowing one
// trial call through. A trial success closes the breaker; a trial
// failure reopens it and restarts the recovery timer.
type Breaker struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	trialInUse  bool
}

// New constructs a closed breaker.
func New(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{FailureThreshold: failureThreshold, RecoveryTimeout: recoveryTimeout}
}

// Allow reports whether a call should proceed. When Open and the
// recovery timeout has elapsed, it transitions to HalfOpen and allows
// exactly one trial call; subsequent calls are refused until that
// trial reports its outcome via RecordSuccess/RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.trialInUse {
			return false
		}
		b.trialInUse = true
		return true
	case Open:
		if time.Since(b.openedAt) >= b.RecoveryTimeout {
			b.state = HalfOpen
			b.trialInUse = true
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call, closing the breaker and
// resetting the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.trialInUse = false
}

// RecordFailure reports a failed call. In Closed state, the breaker
// trips to Open once FailureThreshold consecutive failures accumulate.
// In HalfOpen, any trial failure reopens the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
		b.trialInUse = false
	default:
		b.failures++
		if b.failures >= b.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	}
}

// CurrentState returns the breaker's current state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
