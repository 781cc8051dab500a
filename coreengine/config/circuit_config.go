package config

import "time"

// =============================================================================
// CIRCUIT BREAKER CONFIGURATION
// =============================================================================

// CircuitConfig controls the per-(listener, root, version) circuit breaker
// state machine (spec.md §4.2), ported in behavior from
// original_source/xml_pipeline/circuit.py.
type CircuitConfig struct {
	// FailureThreshold is the failure count that trips the breaker from
	// closed to open; each closed-state success lowers the count by one.
	FailureThreshold int `json:"failure_threshold"`

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// half-open trial.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int `json:"success_threshold"`
}

// DefaultCircuitConfig returns the circuit breaker defaults from spec.md
// §4.2: 5 failures to open, 60s recovery, 2 successes to close.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}
