package commbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ListenerFunc handles one dispatched message's canonical bytes. A
// non-nil return is a reply (request-response flow only); returning
// (nil, nil) is a valid fire-and-forget acknowledgement.
type ListenerFunc func(ctx context.Context, raw []byte) ([]byte, error)

// listenerEntry is one registered listener: its match filter, priority,
// concurrency bound, and handler.
type listenerEntry struct {
	id       string
	root     string // "" matches any root
	version  string // "" matches any version
	priority int
	handler  ListenerFunc
	sem      chan struct{} // nil means unbounded concurrency
}

func (l *listenerEntry) matches(root, version string) bool {
	if l.root != "" && l.root != root {
		return false
	}
	if l.version != "" && l.version != version {
		return false
	}
	return true
}

// acquire blocks until a concurrency slot is free (or there is no bound),
// returning a release function.
func (l *listenerEntry) acquire(ctx context.Context) (func(), error) {
	if l.sem == nil {
		return func() {}, nil
	}
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListenerRegistry is the priority-sorted listener table of spec.md §4.3.
// Listeners are matched by root tag and (optionally) version; within the
// same priority, registration order is preserved.
type ListenerRegistry struct {
	mu        sync.RWMutex
	listeners []*listenerEntry
	nextID    uint64
}

// NewListenerRegistry returns an empty registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{}
}

// Register adds a listener matching root/version (either may be "" for
// wildcard), at the given priority (higher runs first), with at most
// maxConcurrent in-flight handler invocations (0 = unbounded). It returns
// the listener's id and an idempotent unregister function.
func (r *ListenerRegistry) Register(root, version string, priority, maxConcurrent int, handler ListenerFunc) (id string, unregister func()) {
	n := atomic.AddUint64(&r.nextID, 1)
	id = fmt.Sprintf("listener_%d", n)

	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}

	entry := &listenerEntry{id: id, root: root, version: version, priority: priority, handler: handler, sem: sem}

	r.mu.Lock()
	r.listeners = append(r.listeners, entry)
	r.resort()
	r.mu.Unlock()

	var once sync.Once
	unregister = func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.listeners {
				if e.id == id {
					r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
	return id, unregister
}

// resort keeps listeners ordered by descending priority, stable on
// registration order within a priority band. Caller must hold r.mu.
func (r *ListenerRegistry) resort() {
	sort.SliceStable(r.listeners, func(i, j int) bool {
		return r.listeners[i].priority > r.listeners[j].priority
	})
}

// Match returns every listener whose filter accepts (root, version),
// highest priority first.
func (r *ListenerRegistry) Match(root, version string) []*listenerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*listenerEntry
	for _, l := range r.listeners {
		if l.matches(root, version) {
			matched = append(matched, l)
		}
	}
	return matched
}

// Count returns the number of currently registered listeners.
func (r *ListenerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
