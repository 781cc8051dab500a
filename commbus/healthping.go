package commbus

import (
	"context"
	"time"
)

// healthPinger is the background health-ping task of spec.md §4.5: it
// periodically sweeps every known circuit breaker so an open breaker past
// its recovery timeout is proactively moved to half-open, rather than
// waiting for the next real dispatch to notice. Grounded on the same
// ticker+context lifecycle the teacher's watcher/background-task code
// uses (Start/Stop, cancellable via context, awaited on Close).
type healthPinger struct {
	interval time.Duration
	circuits *circuitRegistry
	logger   BusLogger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newHealthPinger(interval time.Duration, circuits *circuitRegistry, logger BusLogger) *healthPinger {
	return &healthPinger{
		interval: interval,
		circuits: circuits,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (h *healthPinger) start(ctx context.Context) {
	go h.run(ctx)
}

func (h *healthPinger) stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *healthPinger) run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *healthPinger) sweep() {
	for key, cb := range h.circuits.all() {
		// State() itself performs the open->half-open transition once the
		// recovery timeout has elapsed; calling it here is what makes the
		// sweep proactive instead of waiting for the next real dispatch.
		if cb.State() == CircuitHalfOpen {
			h.logger.Info("circuit_half_open", "key", key)
		}
	}
}
