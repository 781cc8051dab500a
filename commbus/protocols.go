// Package commbus implements the Bus Facade, Listener Registry, and
// Routing & Correlation Engine for the in-process XML-framed message bus.
//
// Constitutional Reference: Core Engine R2 (Protocol-First Design)
package commbus

import "context"

// Middleware is the protocol for bus middleware: cross-cutting concerns
// (logging, tracing, metrics) wrapped around every dispatch. Middleware
// operates on raw canonical XML bytes rather than a domain message type,
// since the bus itself is payload-agnostic.
type Middleware interface {
	// Before is called before a dispatch is routed. Returning a nil byte
	// slice aborts the dispatch (no listener is invoked).
	Before(ctx context.Context, raw []byte) ([]byte, error)

	// After is called once a dispatch has been routed, with the
	// aggregated responses and first error (if any).
	After(ctx context.Context, raw []byte, responses []*Response, err error) ([]*Response, error)
}
