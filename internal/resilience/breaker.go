// Package resilience contains the protection primitives for outbound calls:
// an explicit three-state circuit breaker and a capped
// exponential-backoff-with-jitter retry policy. The state transitions and
// thresholds here are the full contract; nothing is delegated to an opaque
// third-party implementation.
package resilience

import (
	"context"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type openError struct{}

func (openError) Error() string { return "circuit breaker is open" }

// ErrOpen is returned without a network attempt while the breaker rejects
// calls.
var ErrOpen error = openError{}

// BreakerConfig parameterizes a Breaker.
type BreakerConfig struct {
	// VolumeThreshold is the minimum number of observations in the current
	// window before the failure rate is evaluated.
	VolumeThreshold int

	// ErrorThresholdPercent is the failure rate (0-100) at or above which
	// the breaker opens.
	ErrorThresholdPercent int

	// ResetTimeout is how long the breaker stays open before admitting a
	// single probe call.
	ResetTimeout time.Duration

	// Window bounds the age of the counted observations; counters reset
	// when a window elapses.
	Window time.Duration
}

// Breaker is a three-state circuit breaker. State is process-local: each
// instance independently learns of dependency degradation within one
// failure-threshold window, which trades fleet-wide accuracy for the absence
// of a coordination dependency on the hot path.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	generation  uint64
	successes   int
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool
	pending     []func()

	// onStateChange, when set, is invoked after every transition, outside
	// the lock.
	onStateChange func(from, to State)

	now func() time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig, onStateChange func(from, to State)) *Breaker {
	return &Breaker{
		cfg:           cfg,
		state:         StateClosed,
		onStateChange: onStateChange,
		now:           time.Now,
	}
}

// State returns the current state, applying any due open-to-half-open
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	state := b.currentState()
	notify := b.drain()
	b.mu.Unlock()

	notify()
	return state
}

// Do executes op under breaker protection. While open, op is not invoked and
// ErrOpen is returned immediately. In half-open, exactly one probe is
// admitted; concurrent calls are rejected until the probe settles.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	gen, err := b.allow()
	if err != nil {
		return err
	}

	err = op(ctx)
	b.record(gen, err == nil)
	return err
}

// allow admits or rejects a call, returning the generation the admission
// belongs to. The generation advances on every transition, so a result from
// a call admitted under an earlier state cannot settle the current one.
func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()

	var rejected bool
	switch b.currentState() {
	case StateClosed:
		// pass through
	case StateHalfOpen:
		if b.probing {
			rejected = true
		} else {
			b.probing = true
		}
	default: // StateOpen
		rejected = true
	}
	gen := b.generation

	notify := b.drain()
	b.mu.Unlock()
	notify()

	if rejected {
		return gen, ErrOpen
	}
	return gen, nil
}

func (b *Breaker) record(gen uint64, success bool) {
	b.mu.Lock()

	if b.currentState() == StateHalfOpen && gen == b.generation {
		b.probing = false
		if success {
			b.transition(StateClosed)
		} else {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	} else if b.state == StateClosed && gen == b.generation {
		if success {
			b.successes++
		} else {
			b.failures++
		}

		total := b.successes + b.failures
		if total >= b.cfg.VolumeThreshold && b.failureRate() >= b.cfg.ErrorThresholdPercent {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
	// anything else is a late result from an earlier generation, or a call
	// settling while open; neither counts

	notify := b.drain()
	b.mu.Unlock()
	notify()
}

// currentState applies lazy transitions (open -> half-open after the reset
// timeout, window expiry in closed) and returns the effective state. Callers
// must hold the mutex.
func (b *Breaker) currentState() State {
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.probing = false
			b.transition(StateHalfOpen)
		}

	case StateClosed:
		if b.cfg.Window > 0 && b.now().Sub(b.windowStart) >= b.cfg.Window {
			b.successes = 0
			b.failures = 0
			b.windowStart = b.now()
		}
	}

	return b.state
}

// transition moves to the target state, queueing the observer notification
// to run once the lock is released. Callers must hold the mutex.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.generation++

	if to == StateClosed {
		b.successes = 0
		b.failures = 0
		b.windowStart = b.now()
	}

	if b.onStateChange == nil || from == to {
		return
	}
	cb := b.onStateChange
	b.pending = append(b.pending, func() { cb(from, to) })
}

// drain returns a thunk running all queued notifications in order. Callers
// must hold the mutex; the thunk must be run after releasing it.
func (b *Breaker) drain() func() {
	if len(b.pending) == 0 {
		return func() {}
	}
	queued := b.pending
	b.pending = nil
	return func() {
		for _, fn := range queued {
			fn()
		}
	}
}

func (b *Breaker) failureRate() int {
	total := b.successes + b.failures
	if total == 0 {
		return 0
	}
	return b.failures * 100 / total
}
