// Package config holds the configuration structs for the bus, the circuit
// breaker, and the normalization pipeline.
package config

import "time"

// =============================================================================
// BUS CONFIGURATION
// =============================================================================

// BusConfig controls the Bus Facade's timeouts and per-listener resource
// bounds (spec.md §4.3 "Listener Registry", §4.5 "Health Pings", §5).
type BusConfig struct {
	// DefaultTimeout bounds how long Request waits for a correlated reply
	// when the caller's context carries no earlier deadline.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// HealthcheckInterval is how often the background health-ping task
	// sweeps circuit breakers for recovery-timeout expiry.
	HealthcheckInterval time.Duration `json:"healthcheck_interval"`

	// MaxConcurrentPerListener bounds the number of in-flight handler
	// invocations per listener; 0 means unbounded.
	MaxConcurrentPerListener int `json:"max_concurrent_per_listener"`

	// SchemaPaths are directories recursively searched for *.xsd files at
	// catalog construction time.
	SchemaPaths []string `json:"schema_paths"`
}

// DefaultBusConfig returns the bus defaults used when no configuration is
// supplied.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		DefaultTimeout:           30 * time.Second,
		HealthcheckInterval:      15 * time.Second,
		MaxConcurrentPerListener: 8,
		SchemaPaths:              nil,
	}
}
