// Package netres provides the network resilience primitives for the voice
// transport: a backpressure manager for the outbound path, a circuit
// breaker isolating a failing transport, and a quality monitor whose
// scores drive adaptive audio settings. The [Manager] façade composes them
// into the single surface the session consumes.
package netres

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the circuit is
// open and the retry timeout has not elapsed.
var ErrCircuitOpen = errors.New("netres: circuit open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed is normal operation.
	BreakerClosed BreakerState = iota

	// BreakerOpen fails every call immediately until the retry timeout.
	BreakerOpen

	// BreakerHalfOpen allows a single trial call.
	BreakerHalfOpen
)

// String returns the conventional name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 10 * time.Second
)

// BreakerMetrics is a snapshot of breaker state for health reporting.
type BreakerMetrics struct {
	State           BreakerState
	FailureCount    int
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

// BreakerOption is a functional option for configuring a [Breaker].
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures trip the
// breaker. The default is 5.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithOpenTimeout sets how long the breaker stays open before allowing a
// half-open trial call. The default is 10s.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.timeout = d }
}

// Breaker is a circuit breaker around transport operations. All methods
// are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state       BreakerState
	failures    int
	lastFailure time.Time
	nextAttempt time.Time

	threshold int
	timeout   time.Duration

	now func() time.Time // injectable clock for tests
}

// NewBreaker creates a closed breaker with the given options applied.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold: defaultFailureThreshold,
		timeout:   defaultOpenTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Execute runs op through the breaker. While the circuit is open it fails
// fast with [ErrCircuitOpen] without invoking op. Once the open timeout
// elapses a single trial call is admitted; its success closes the circuit
// and its failure re-opens it with a fresh timeout.
func (b *Breaker) Execute(op func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
	case BreakerHalfOpen:
		// Only one trial call at a time.
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.state = BreakerClosed
	b.failures = 0
	return nil
}

// onFailureLocked records a failure and trips the breaker when the
// threshold is reached. A half-open trial failure re-opens immediately.
func (b *Breaker) onFailureLocked() {
	b.failures++
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.nextAttempt = b.now().Add(b.timeout)
	}
}

// ForceClose closes the circuit early, bypassing the open timeout, but
// only when healthy reports the transport is independently verified
// healthy at this moment. Returns true when the breaker was closed.
func (b *Breaker) ForceClose(healthy func() bool) bool {
	if healthy == nil || !healthy() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.nextAttempt = time.Time{}
	return true
}

// State returns the stored state. An expired open circuit still reports
// OPEN here; only [Breaker.Execute] promotes it to half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot for health reporting.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerMetrics{
		State:           b.state,
		FailureCount:    b.failures,
		LastFailureTime: b.lastFailure,
		NextAttemptTime: b.nextAttempt,
	}
}
