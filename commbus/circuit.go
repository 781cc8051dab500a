package commbus

import (
	"sync"
	"time"

	"github.com/swarm-mesh/xmlbus/coreengine/config"
	"github.com/swarm-mesh/xmlbus/coreengine/observability"
)

// CircuitState is one of the three states of the breaker's state machine
// (spec.md §4.2).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is the per-(listener, root, version) failure-protection
// state machine, ported in behavior from
// original_source/xml_pipeline/circuit.py.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       config.CircuitConfig
	key       string
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker using cfg's thresholds. key
// identifies the breaker for metrics (see circuitRegistry.get); it may be
// empty for a standalone breaker used outside the registry.
func NewCircuitBreaker(cfg config.CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// State returns the breaker's current state, first applying the
// open -> half-open recovery-timeout transition if it's due.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRecover()
	return c.state
}

// maybeRecover transitions an open breaker to half-open once the recovery
// timeout has elapsed. Caller must hold c.mu.
func (c *CircuitBreaker) maybeRecover() {
	if c.state == CircuitOpen && time.Since(c.openedAt) >= c.cfg.RecoveryTimeout {
		c.state = CircuitHalfOpen
		c.successes = 0
		observability.RecordCircuitTransition(c.key, string(CircuitHalfOpen))
	}
}

// IsOpen reports whether a dispatch should currently be blocked.
func (c *CircuitBreaker) IsOpen() bool {
	return c.State() == CircuitOpen
}

// RecordSuccess records a successful dispatch. In the half-open state,
// SuccessThreshold consecutive successes close the breaker; in the closed
// state it decrements the failure counter by one (never below zero).
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRecover()

	switch c.state {
	case CircuitHalfOpen:
		c.successes++
		if c.successes >= c.cfg.SuccessThreshold {
			c.state = CircuitClosed
			c.failures = 0
			c.successes = 0
			observability.RecordCircuitTransition(c.key, string(CircuitClosed))
		}
	case CircuitClosed:
		c.failures = max(0, c.failures-1)
	}
}

// RecordFailure records a failed dispatch. A failure during half-open
// reopens the breaker immediately; while closed, it trips open once the
// failure counter (which each success lowers by one) reaches
// FailureThreshold.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRecover()

	switch c.state {
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.openedAt = time.Now()
		c.failures = 0
		c.successes = 0
		observability.RecordCircuitTransition(c.key, string(CircuitOpen))
	case CircuitClosed:
		c.failures++
		if c.cfg.FailureThreshold > 0 && c.failures >= c.cfg.FailureThreshold {
			c.state = CircuitOpen
			c.openedAt = time.Now()
			observability.RecordCircuitTransition(c.key, string(CircuitOpen))
		}
	}
}

// Reset forces the breaker back to closed with clean counters.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.failures = 0
	c.successes = 0
}

// circuitRegistry lazily creates and holds one CircuitBreaker per
// (listener, root, version) key.
type circuitRegistry struct {
	mu       sync.Mutex
	cfg      config.CircuitConfig
	breakers map[string]*CircuitBreaker
}

func newCircuitRegistry(cfg config.CircuitConfig) *circuitRegistry {
	return &circuitRegistry{cfg: cfg, breakers: map[string]*CircuitBreaker{}}
}

func circuitKey(listenerID, root, version string) string {
	return listenerID + "|" + root + "|" + version
}

func (r *circuitRegistry) get(listenerID, root, version string) *CircuitBreaker {
	key := circuitKey(listenerID, root, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(r.cfg)
		cb.key = key
		r.breakers[key] = cb
	}
	return cb
}

// all returns a snapshot of every breaker currently tracked, used by the
// health-ping task to sweep for pending open->half-open transitions.
func (r *circuitRegistry) all() map[string]*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}
