package engine

import (
	"sync"
	"time"

	"github.com/rendis/agentscript/pkg/schema"
)

// CircuitState is the state of one dispatch target's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-target breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before a trial call is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used when none is given.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trials   int
}

// CircuitBreakerRegistry tracks one breaker per step dispatch target
// (schema.StepType.Target). It is safe for concurrent use.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Zero fields of config fall
// back to the defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to target may proceed, or a CIRCUIT_OPEN
// error otherwise. An open circuit whose cooldown elapsed admits trial calls.
func (r *CircuitBreakerRegistry) Allow(target string) error {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(b.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %q after %d consecutive failures", target, b.failures).
				WithDetails(map[string]any{
					"target":               target,
					"consecutive_failures": b.failures,
					"cooldown_remaining":   remaining.String(),
				})
		}
		b.state = CircuitHalfOpen
		b.trials = 1
		return nil
	case CircuitHalfOpen:
		if b.trials >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: trial in progress", target)
		}
		b.trials++
	}
	return nil
}

// Success closes the circuit for target.
func (r *CircuitBreakerRegistry) Success(target string) {
	b := r.get(target)
	b.mu.Lock()
	b.state = CircuitClosed
	b.failures = 0
	b.trials = 0
	b.mu.Unlock()
}

// Failure records a failed call and returns the resulting state. A failure
// while half-open reopens the circuit immediately.
func (r *CircuitBreakerRegistry) Failure(target string) CircuitState {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

// State returns the state of target's circuit without admitting a call.
func (r *CircuitBreakerRegistry) State(target string) CircuitState {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

// Stats returns diagnostic information about target's circuit.
func (r *CircuitBreakerRegistry) Stats(target string) map[string]any {
	state := r.State(target)
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"target":               target,
		"state":                state.String(),
		"consecutive_failures": b.failures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) get(target string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = &breaker{}
		r.breakers[target] = b
	}
	return b
}
