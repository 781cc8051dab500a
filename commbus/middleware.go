// Package commbus middleware provides the logging middleware wrapped
// around every dispatch; tracing and metrics are recorded by dispatch
// itself rather than by a middleware. The per-listener
// circuit breaker lives in circuit.go instead of here: it is keyed by
// (listener, root, version), not by the global middleware chain, since
// spec.md's circuit semantics are a routing concern, not a pre/post hook.
package commbus

import "context"

// LoggingMiddleware logs every dispatch through the bus.
type LoggingMiddleware struct {
	logger BusLogger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger BusLogger) *LoggingMiddleware {
	if logger == nil {
		logger = &defaultBusLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs the inbound dispatch's size in bytes.
func (m *LoggingMiddleware) Before(ctx context.Context, raw []byte) ([]byte, error) {
	m.logger.Debug("dispatch_received", "bytes", len(raw))
	return raw, nil
}

// After logs the outcome of a dispatch.
func (m *LoggingMiddleware) After(ctx context.Context, raw []byte, responses []*Response, err error) ([]*Response, error) {
	if err != nil {
		m.logger.Warn("dispatch_failed", "error", err.Error())
	} else {
		m.logger.Debug("dispatch_completed", "responses", len(responses))
	}
	return responses, nil
}

var _ Middleware = (*LoggingMiddleware)(nil)
