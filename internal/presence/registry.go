// Package presence maintains the process-wide table mapping a user identity
// to its currently connected relay endpoint. At most one endpoint is live per
// identity at any instant — re-registration atomically replaces the previous
// endpoint rather than duplicating it.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Endpoint is the delivery surface the registry holds per identity. The relay
// client satisfies it; tests use in-memory fakes.
type Endpoint interface {
	// Deliver enqueues raw bytes for the connection. Must not block.
	Deliver(data []byte) bool
	// Kick closes the underlying connection. Called on the displaced endpoint
	// when an identity re-registers.
	Kick(reason string)
}

// Event describes one presence change, fanned out to subscribers.
type Event struct {
	Type     string // "online" | "offline"
	Identity string
	Online   []string // full online set after the change
}

// Registry is the presence table. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	since     map[string]time.Time
	listeners []chan Event
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		since:     make(map[string]time.Time),
	}
}

// Register binds identity to ep, displacing any previous endpoint. The
// replaced endpoint (if any) is kicked outside the lock. Idempotent for the
// same endpoint.
func (r *Registry) Register(identity string, ep Endpoint) {
	r.mu.Lock()
	prev := r.endpoints[identity]
	if prev == ep {
		r.mu.Unlock()
		return
	}
	r.endpoints[identity] = ep
	r.since[identity] = time.Now()
	evt := Event{Type: "online", Identity: identity, Online: r.onlineLocked()}
	r.notifyLocked(evt)
	r.mu.Unlock()

	if prev != nil {
		prev.Kick("replaced by newer connection")
	}
}

// Unregister removes identity only if ep is still its live endpoint. A stale
// disconnect racing a re-registration is a no-op, so the newer endpoint wins.
func (r *Registry) Unregister(identity string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.endpoints[identity]
	if !ok || (ep != nil && cur != ep) {
		return
	}
	delete(r.endpoints, identity)
	delete(r.since, identity)
	r.notifyLocked(Event{Type: "offline", Identity: identity, Online: r.onlineLocked()})
}

// Resolve returns the live endpoint for identity.
func (r *Registry) Resolve(identity string) (Endpoint, bool) {
	r.mu.Lock()
	ep, ok := r.endpoints[identity]
	r.mu.Unlock()
	return ep, ok
}

// ListOnline returns the sorted set of online identities.
func (r *Registry) ListOnline() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// OnlineSince reports when identity connected.
func (r *Registry) OnlineSince(identity string) (time.Time, bool) {
	r.mu.Lock()
	t, ok := r.since[identity]
	r.mu.Unlock()
	return t, ok
}

// Subscribe returns a channel of presence events. Slow subscribers miss
// events rather than blocking registry mutations.
func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == ch {
			close(l)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Clear drops all endpoints without kicking them. Used on server shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = make(map[string]Endpoint)
	r.since = make(map[string]time.Time)
}

func (r *Registry) onlineLocked() []string {
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) notifyLocked(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
