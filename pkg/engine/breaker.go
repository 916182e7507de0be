package engine

import (
	"sync"
	"time"
)

// BreakerConfig holds circuit breaker settings for one plugin.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int

	// OpenTimeout is how long the circuit stays open before allowing a
	// half-open trial call.
	OpenTimeout time.Duration

	// MaxOpenTimeout caps the open timeout backoff applied on repeated
	// re-opens from half-open.
	MaxOpenTimeout time.Duration
}

// DefaultBreakerConfig returns the breaker defaults used when a plugin's
// configuration leaves them unset.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:      5,
		OpenTimeout:    30 * time.Second,
		MaxOpenTimeout: 5 * time.Minute,
	}
}

// TransitionFunc observes circuit state transitions for health reporting.
type TransitionFunc func(plugin string, from, to CircuitState)

// CircuitBreaker is the per-plugin failure-tracking state machine. Every
// plugin call in the registry runs through one. Transitions are atomic: two
// parallel failing calls cannot advance the counter past the threshold
// incorrectly.
type CircuitBreaker struct {
	plugin       string
	cfg          BreakerConfig
	onTransition TransitionFunc

	mu             sync.Mutex
	state          CircuitState
	failures       int
	openedAt       time.Time
	openTimeout    time.Duration
	lastTransition time.Time
	trialInFlight  bool

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named plugin.
func NewCircuitBreaker(plugin string, cfg BreakerConfig, onTransition TransitionFunc) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxOpenTimeout <= 0 {
		cfg.MaxOpenTimeout = def.MaxOpenTimeout
	}

	return &CircuitBreaker{
		plugin:         plugin,
		cfg:            cfg,
		onTransition:   onTransition,
		state:          CircuitClosed,
		openTimeout:    cfg.OpenTimeout,
		lastTransition: time.Now(),
		now:            time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it fails fast
// with a CIRCUIT_OPEN error until the open timeout elapses; then exactly one
// half-open trial call is admitted.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		if b.trialInFlight {
			return NewCircuitOpenError(b.plugin)
		}
		b.trialInFlight = true
		return nil
	default: // open
		return NewCircuitOpenError(b.plugin)
	}
}

// RecordOutcome feeds a call result back into the state machine. Errors that
// do not count as plugin failures (per-target unreachable outcomes, not-found
// lookups) are treated as successes.
func (b *CircuitBreaker) RecordOutcome(err error) {
	if CountsAsPluginFailure(err) {
		b.recordFailure()
		return
	}
	b.recordSuccess()
}

// Call runs fn through the breaker: fail-fast when open, outcome recorded
// afterwards.
func (b *CircuitBreaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.RecordOutcome(err)
	return err
}

// State returns the current circuit state, accounting for an elapsed open
// timeout.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastTransition returns when the breaker last changed state.
func (b *CircuitBreaker) LastTransition() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTransition
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.trialInFlight = false
		b.failures = 0
		b.openTimeout = b.cfg.OpenTimeout
		b.transitionLocked(CircuitClosed)
	default:
		b.failures = 0
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.openedAt = b.now()
			b.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Failed trial: re-open with an increased cooldown.
		b.trialInFlight = false
		b.failures++
		b.openTimeout *= 2
		if b.openTimeout > b.cfg.MaxOpenTimeout {
			b.openTimeout = b.cfg.MaxOpenTimeout
		}
		b.openedAt = b.now()
		b.transitionLocked(CircuitOpen)
	}
}

// maybeHalfOpenLocked moves an open circuit to half-open once the open
// timeout has elapsed. Caller must hold b.mu.
func (b *CircuitBreaker) maybeHalfOpenLocked() {
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.trialInFlight = false
		b.transitionLocked(CircuitHalfOpen)
	}
}

func (b *CircuitBreaker) transitionLocked(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = b.now()
	if b.onTransition != nil {
		// Callback runs outside the engine's hot path but inside the lock;
		// observers must not call back into the breaker.
		b.onTransition(b.plugin, from, to)
	}
}
