package commbus

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarm-mesh/xmlbus/coreengine/config"
	"github.com/swarm-mesh/xmlbus/coreengine/observability"
	"github.com/swarm-mesh/xmlbus/coreengine/xmlnorm"
)

var busTracer = otel.Tracer("github.com/swarm-mesh/xmlbus/commbus")

// BusLogger is the interface for structured logging in the bus. Kept in
// the exact shape the teacher's own commbus.BusLogger declares, so
// coreengine/xmlnorm.Logger values satisfy it structurally without either
// package importing the other.
type BusLogger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// defaultBusLogger wraps the standard log package.
type defaultBusLogger struct{}

func (l *defaultBusLogger) Debug(msg string, keysAndValues ...any) {
	log.Printf("[DEBUG] %s %v", msg, keysAndValues)
}
func (l *defaultBusLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %v", msg, keysAndValues)
}
func (l *defaultBusLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}
func (l *defaultBusLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

// noopBusLogger discards all output.
type noopBusLogger struct{}

func (l *noopBusLogger) Debug(msg string, keysAndValues ...any) {}
func (l *noopBusLogger) Info(msg string, keysAndValues ...any)  {}
func (l *noopBusLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *noopBusLogger) Error(msg string, keysAndValues ...any) {}

// NoopBusLogger returns a logger that discards all output.
func NoopBusLogger() BusLogger { return &noopBusLogger{} }

// Bus is the Bus Facade of spec.md §6: the single entry point combining
// the Normalization Pipeline, the Listener Registry, the per-listener
// circuit breakers, and the pending-request correlation table.
//
// Usage:
//
//	bus := commbus.NewBus(config.DefaultBusConfig(), config.DefaultCircuitConfig(), pipeline, nil)
//	id, _ := bus.RegisterListener("cad-task", "", 0, handler)
//	resp, err := bus.Request(ctx, raw, commbus.CardinalityOne)
type Bus struct {
	pipeline *xmlnorm.Pipeline
	registry *ListenerRegistry
	pending  *PendingTable
	circuits *circuitRegistry
	cfg      config.BusConfig

	muMW       sync.RWMutex
	middleware []Middleware

	logger BusLogger

	pinger     *healthPinger
	pingCtx    context.Context
	pingCancel context.CancelFunc

	muClosed sync.Mutex
	closed   bool
}

// NewBus builds a Bus. pipeline may be shared across multiple Bus
// instances; logger defaults to the standard-library logger if nil.
func NewBus(cfg config.BusConfig, circuitCfg config.CircuitConfig, pipeline *xmlnorm.Pipeline, logger BusLogger) *Bus {
	if logger == nil {
		logger = &defaultBusLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	circuits := newCircuitRegistry(circuitCfg)

	b := &Bus{
		pipeline:   pipeline,
		registry:   NewListenerRegistry(),
		pending:    NewPendingTable(),
		circuits:   circuits,
		cfg:        cfg,
		logger:     logger,
		pinger:     newHealthPinger(cfg.HealthcheckInterval, circuits, logger),
		pingCtx:    ctx,
		pingCancel: cancel,
	}
	b.pinger.start(ctx)
	return b
}

// AddMiddleware appends mw to the dispatch chain, executed in
// registration order on Before and reverse order on After.
func (b *Bus) AddMiddleware(mw Middleware) {
	b.muMW.Lock()
	defer b.muMW.Unlock()
	b.middleware = append(b.middleware, mw)
}

// RegisterListener adds a listener matching root/version ("" wildcards
// either), at priority (higher runs first for CardinalityOne). It returns
// the listener's id and an idempotent unregister function.
func (b *Bus) RegisterListener(root, version string, priority int, handler ListenerFunc) (id string, unregister func()) {
	return b.registry.Register(root, version, priority, b.cfg.MaxConcurrentPerListener, handler)
}

// Publish normalizes raw and routes it fire-and-forget to listeners
// matching its canonical root tag and version, per cardinality. It
// returns NoListenerError if nothing matches.
func (b *Bus) Publish(ctx context.Context, raw []byte, cardinality Cardinality) error {
	canonical, root, version, err := b.pipeline.Process(ctx, raw, nil)
	if err != nil {
		return err
	}
	_, err = b.dispatch(ctx, canonical, root, version, cardinality, FlowFireAndForget, "")
	return err
}

// Request normalizes raw (assigning it a message-id if it doesn't already
// carry one), dispatches it request-response per cardinality, and waits
// for a correlated reply: either a listener's synchronous return value, or
// a later Reply() call carrying a matching in-reply-to. It blocks until
// ctx is done or cfg.DefaultTimeout elapses, whichever comes first.
func (b *Bus) Request(ctx context.Context, raw []byte, cardinality Cardinality) (*Response, error) {
	canonical, root, version, err := b.pipeline.Process(ctx, raw, nil)
	if err != nil {
		return nil, err
	}
	messageID, _ := xmlnorm.ExtractMessageID(canonical)

	p := b.pending.register(messageID, cardinality)
	defer b.pending.remove(messageID)

	if _, err := b.dispatch(ctx, canonical, root, version, cardinality, FlowRequestResponse, messageID); err != nil {
		return nil, err
	}
	// Every listener's reply — synchronous within dispatch or a later
	// Reply() call — is delivered through p.done; for cardinality=all this
	// also waits for the gather to reach required_replies before firing.

	timeoutCtx, cancel := context.WithTimeout(ctx, b.cfg.DefaultTimeout)
	defer cancel()

	select {
	case resp := <-p.done:
		return resp, nil
	case <-timeoutCtx.Done():
		observability.RecordPendingTimeout()
		return nil, NewTimeoutError(messageID, b.cfg.DefaultTimeout.Seconds())
	}
}

// Reply normalizes raw, tagging it with in-reply-to=inReplyTo, and has
// two side effects (spec.md §9 "reply re-dispatch"): it completes the
// pending request registered under inReplyTo, if any is still waiting,
// and it separately routes the reply onward as an ordinary
// fire-and-forget message to listeners matching its own root/version.
func (b *Bus) Reply(ctx context.Context, raw []byte, inReplyTo string) error {
	overrides := map[string]*string{AttrInReplyTo: &inReplyTo}
	canonical, root, version, err := b.pipeline.Process(ctx, raw, overrides)
	if err != nil {
		return err
	}

	b.pending.complete(inReplyTo, &Response{RawXML: canonical, Root: root})

	_, err = b.dispatch(ctx, canonical, root, version, CardinalityAny, FlowFireAndForget, "")
	return err
}

// dispatch runs the middleware chain and routes canonical to the
// listeners matching (root, version) per cardinality, honoring each
// listener's circuit breaker and concurrency bound. correlateMessageID, if
// non-empty, sets required_replies on that pending entry (len(targets) for
// cardinality=all, else 1) and causes each non-nil reply produced here to
// feed that pending request directly (the synchronous-handler convenience
// path; see Request) — completing it once required_replies is reached.
func (b *Bus) dispatch(ctx context.Context, canonical []byte, root, version string, cardinality Cardinality, flow Flow, correlateMessageID string) ([]*Response, error) {
	ctx, span := busTracer.Start(ctx, "commbus.dispatch", trace.WithAttributes(
		attribute.String("xmlbus.root", root),
		attribute.String("xmlbus.version", version),
		attribute.String("xmlbus.cardinality", string(cardinality)),
		attribute.String("xmlbus.flow", string(flow)),
	))
	defer span.End()

	start := time.Now()
	record := func(status string, recordErr error) {
		span.SetAttributes(attribute.String("xmlbus.status", status))
		if recordErr != nil {
			span.RecordError(recordErr)
			span.SetStatus(codes.Error, recordErr.Error())
		}
		observability.RecordDispatch(root, string(cardinality), status, int(time.Since(start).Milliseconds()))
	}

	processed, err := b.runBefore(ctx, canonical)
	if err != nil {
		record("error", err)
		return nil, err
	}
	if processed == nil {
		record("aborted", nil)
		return nil, nil
	}

	matched := b.registry.Match(root, version)
	if len(matched) == 0 {
		err := NewNoListenerError(root, version)
		b.runAfter(ctx, processed, nil, err)
		record("no_listener", err)
		return nil, err
	}

	targets := b.selectTargets(matched, root, version, cardinality)
	if len(targets) == 0 {
		observability.RecordCircuitRejection(matched[0].id)
		err := NewCircuitOpenError(matched[0].id)
		b.runAfter(ctx, processed, nil, err)
		record("circuit_open", err)
		return nil, err
	}

	if correlateMessageID != "" {
		required := 1
		if cardinality == CardinalityAll {
			required = len(targets)
		}
		b.pending.setRequired(correlateMessageID, required)
	}

	responses := b.invokeAll(ctx, targets, processed, root, version, flow, correlateMessageID)

	var firstErr error
	for _, r := range responses {
		if r.Err != nil {
			firstErr = r.Err
			break
		}
	}

	finalResponses, afterErr := b.runAfter(ctx, processed, responses, firstErr)
	if afterErr != nil {
		record("error", afterErr)
		return finalResponses, afterErr
	}
	record("ok", nil)
	return finalResponses, nil
}

// selectTargets narrows matched (already priority-sorted descending) down
// to the listeners cardinality calls for, skipping any whose circuit is
// open.
func (b *Bus) selectTargets(matched []*listenerEntry, root, version string, cardinality Cardinality) []*listenerEntry {
	var available []*listenerEntry
	for _, l := range matched {
		if !b.circuits.get(l.id, root, version).IsOpen() {
			available = append(available, l)
		}
	}
	if len(available) == 0 {
		return nil
	}
	if cardinality == CardinalityOne {
		return available[:1]
	}
	return available
}

func (b *Bus) invokeAll(ctx context.Context, targets []*listenerEntry, canonical []byte, root, version string, flow Flow, correlateMessageID string) []*Response {
	responses := make([]*Response, len(targets))
	var wg sync.WaitGroup

	for i, l := range targets {
		wg.Add(1)
		go func(idx int, entry *listenerEntry) {
			defer wg.Done()
			responses[idx] = b.invokeOne(ctx, entry, canonical, root, version, flow, correlateMessageID)
		}(i, l)
	}
	wg.Wait()
	return responses
}

func (b *Bus) invokeOne(ctx context.Context, entry *listenerEntry, canonical []byte, root, version string, flow Flow, correlateMessageID string) *Response {
	cb := b.circuits.get(entry.id, root, version)

	release, err := entry.acquire(ctx)
	if err != nil {
		return &Response{ListenerID: entry.id, Root: root, Err: err}
	}
	defer release()

	reply, err := entry.handler(ctx, canonical)
	if err != nil {
		cb.RecordFailure()
		b.logger.Warn("listener_failed", "listener_id", entry.id, "root", root, "error", err.Error())
		return &Response{ListenerID: entry.id, Root: root, Err: err}
	}
	cb.RecordSuccess()

	if flow == FlowRequestResponse && correlateMessageID != "" && reply != nil {
		// spec.md §4.4 "Delivery to one listener": a synchronous reply
		// payload is itself run back through the pipeline with in-reply-to
		// set to the originating message-id before it feeds completion.
		id := correlateMessageID
		processed, replyRoot, _, procErr := b.pipeline.Process(ctx, reply, map[string]*string{AttrInReplyTo: &id})
		if procErr != nil {
			return &Response{ListenerID: entry.id, Root: root, Err: procErr}
		}
		resp := &Response{ListenerID: entry.id, Root: replyRoot, RawXML: processed}
		b.pending.complete(correlateMessageID, resp)
		return resp
	}

	return &Response{ListenerID: entry.id, Root: root, RawXML: reply}
}

func (b *Bus) runBefore(ctx context.Context, raw []byte) ([]byte, error) {
	b.muMW.RLock()
	chain := make([]Middleware, len(b.middleware))
	copy(chain, b.middleware)
	b.muMW.RUnlock()

	current := raw
	for _, mw := range chain {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

func (b *Bus) runAfter(ctx context.Context, raw []byte, responses []*Response, err error) ([]*Response, error) {
	b.muMW.RLock()
	chain := make([]Middleware, len(b.middleware))
	copy(chain, b.middleware)
	b.muMW.RUnlock()

	current := responses
	for i := len(chain) - 1; i >= 0; i-- {
		result, afterErr := chain[i].After(ctx, raw, current, err)
		if afterErr != nil {
			err = afterErr
		}
		if result != nil {
			current = result
		}
	}
	return current, err
}

// Close stops the background health-ping task. It is safe to call
// multiple times.
func (b *Bus) Close() error {
	b.muClosed.Lock()
	defer b.muClosed.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.pingCancel()
	b.pinger.stop()
	return nil
}

// ListenerCount reports how many listeners are currently registered,
// for introspection and tests.
func (b *Bus) ListenerCount() int {
	return b.registry.Count()
}

// PendingCount reports how many requests are currently awaiting a reply.
func (b *Bus) PendingCount() int {
	return b.pending.Len()
}
