package commbus

import (
	"sync"
	"time"

	"github.com/swarm-mesh/xmlbus/coreengine/observability"
)

// pendingRequest is the Go analogue of the source's single-consumer
// asyncio.Future, generalized to gather cardinality=all's N replies
// before firing: a one-shot completion channel guarded so the handle is
// delivered exactly once, at most, and a timed-out/cancelled waiter never
// leaks it.
type pendingRequest struct {
	done        chan *Response
	createdAt   time.Time
	cardinality Cardinality
	once        sync.Once

	mu       sync.Mutex
	required int
	replies  []*Response
}

// newPendingRequest creates a pending entry for cardinality. required
// defaults to 1 (one/any complete on the first reply); dispatch raises it
// via setRequired once it knows how many listeners are viable for "all".
func newPendingRequest(cardinality Cardinality) *pendingRequest {
	return &pendingRequest{
		done:        make(chan *Response, 1),
		createdAt:   time.Now(),
		cardinality: cardinality,
		required:    1,
	}
}

// setRequired records how many replies must arrive before this entry
// completes (spec.md §4.4 step 3: required_replies = len(viable) for
// cardinality=all, else 1).
func (p *pendingRequest) setRequired(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.required = n
	}
}

// complete appends resp to the gather and, once received_replies reaches
// required_replies, delivers the completion handle and reports true. For
// cardinality one/any this always fires on the first call. Subsequent
// calls after firing (e.g. late replies past cardinality=one's single
// target) are no-ops and report false, matching "the completion handle
// fires at most once" (spec.md §8 invariant 4).
func (p *pendingRequest) complete(resp *Response) bool {
	fired := false
	p.mu.Lock()
	if p.replies == nil {
		p.replies = make([]*Response, 0, p.required)
	}
	p.replies = append(p.replies, resp)
	ready := len(p.replies) >= p.required
	replies := p.replies
	p.mu.Unlock()

	if !ready {
		return false
	}

	p.once.Do(func() {
		fired = true
		out := resp
		if p.cardinality == CardinalityAll {
			gathered := make([]*Response, len(replies))
			copy(gathered, replies)
			out = &Response{
				ListenerID: gathered[0].ListenerID,
				Root:       gathered[0].Root,
				RawXML:     gathered[0].RawXML,
				Err:        gathered[0].Err,
				Replies:    gathered,
			}
		}
		p.done <- out
	})
	return fired
}

// PendingTable is the bus's pending-request table (spec.md §3 "Pending
// request", §4.4), keyed by message-id.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

// NewPendingTable returns an empty pending-request table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: map[string]*pendingRequest{}}
}

// register creates and stores a pending entry for messageID under
// cardinality, replacing any stale entry under the same id (message-ids
// are expected unique, but a caller retrying with the same id should not
// deadlock on the old one).
func (t *PendingTable) register(messageID string, cardinality Cardinality) *pendingRequest {
	p := newPendingRequest(cardinality)
	t.mu.Lock()
	t.entries[messageID] = p
	n := len(t.entries)
	t.mu.Unlock()
	observability.SetPendingRequests(n)
	return p
}

// setRequired forwards to the pending entry's setRequired, if one is still
// registered under messageID; a no-op otherwise (e.g. fire-and-forget
// dispatch, which never registers a pending entry).
func (t *PendingTable) setRequired(messageID string, n int) {
	t.mu.Lock()
	p, ok := t.entries[messageID]
	t.mu.Unlock()
	if ok {
		p.setRequired(n)
	}
}

// complete resolves the pending entry for messageID, if any, appending
// resp to its gather and reporting whether the entry just fired (and was
// therefore removed from the table). This is also the "reply re-dispatch"
// side effect: callers also route the reply onward as fire-and-forget
// regardless of this result (spec.md §9). The entry is only deleted once
// it has actually fired, so earlier replies for a cardinality=all gather
// are never discarded while still waiting on later ones.
func (t *PendingTable) complete(messageID string, resp *Response) bool {
	t.mu.Lock()
	p, ok := t.entries[messageID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	fired := p.complete(resp)
	if !fired {
		return false
	}

	t.mu.Lock()
	delete(t.entries, messageID)
	n := len(t.entries)
	t.mu.Unlock()
	observability.SetPendingRequests(n)
	return true
}

// remove discards a pending entry without completing it, used once a
// waiter gives up (timeout or context cancellation) so it can never leak.
func (t *PendingTable) remove(messageID string) {
	t.mu.Lock()
	delete(t.entries, messageID)
	n := len(t.entries)
	t.mu.Unlock()
	observability.SetPendingRequests(n)
}

// Len reports how many requests are currently awaiting a reply.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
