package backend

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the position of a CircuitBreaker. The numeric values are
// exported as the breaker gauge.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned while the monitor is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calls to a monitor that keeps failing at the
// transport level. After failureThreshold consecutive failures it opens for
// cooldown. It then admits up to probes concurrent calls; that many
// successes close it and any failure reopens it.
//
// Each admitted call reports its outcome through the func Acquire returns.
// Reports from calls admitted before the last state change are ignored, so
// a slow call that started while closed cannot close a reopened breaker.
type CircuitBreaker struct {
	failureThreshold int
	probes           int
	cooldown         time.Duration

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	failures   int
	succeeded  int
	inFlight   int
	openedAt   time.Time

	onChange func(BreakerState)
	now      func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithStateListener calls fn after every state change. fn runs with the
// breaker locked and must not call back into it.
func WithStateListener(fn func(BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments take
// the defaults of 5 failures, 2 probes and 30s.
func NewCircuitBreaker(failureThreshold, probes int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if probes < 1 {
		probes = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		probes:           probes,
		cooldown:         cooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Acquire admits a call or returns ErrCircuitOpen. On admission the caller
// must invoke report exactly once, with failed set when the monitor could
// not be reached or answered with a server error.
func (cb *CircuitBreaker) Acquire() (report func(failed bool), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expire()
	switch cb.state {
	case BreakerOpen:
		return nil, ErrCircuitOpen
	case BreakerHalfOpen:
		if cb.inFlight >= cb.probes {
			return nil, ErrCircuitOpen
		}
		cb.inFlight++
	}

	gen := cb.generation
	var once sync.Once
	return func(failed bool) {
		once.Do(func() { cb.report(gen, failed) })
	}, nil
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return cb.state
}

func (cb *CircuitBreaker) report(gen uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	switch cb.state {
	case BreakerClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.inFlight--
		if failed {
			cb.transition(BreakerOpen)
			return
		}
		cb.succeeded++
		if cb.succeeded >= cb.probes {
			cb.transition(BreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) expire() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(s BreakerState) {
	cb.state = s
	cb.generation++
	cb.failures, cb.succeeded, cb.inFlight = 0, 0, 0
	if s == BreakerOpen {
		cb.openedAt = cb.now()
	}
	if cb.onChange != nil {
		cb.onChange(s)
	}
}
