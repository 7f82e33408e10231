// Package event provides the publish/subscribe hub embedded by stateful
// components. Handlers run synchronously on the emitting goroutine, in
// subscription order.
package event

import (
	"sort"
	"sync"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Event is a named notification with a small payload of affected ids.
type Event struct {
	Source  string
	Name    string
	Payload map[string]any
}

// Handler receives emitted events.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	Name string
	id   uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Hub is safe for concurrent use. The zero value is ready to use.
type Hub struct {
	mu       sync.RWMutex
	source   string
	nextID   uint64
	handlers map[string][]subscriber
}

// NewHub returns a hub whose events carry the given source prefix.
func NewHub(source string) *Hub {
	return &Hub{source: source}
}

// On registers fn for events called name, or for all events when name is
// Wildcard.
func (h *Hub) On(name string, fn Handler) Subscription {
	if fn == nil {
		return Subscription{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = map[string][]subscriber{}
	}
	h.nextID++
	h.handlers[name] = append(h.handlers[name], subscriber{id: h.nextID, handler: fn})
	return Subscription{Name: name, id: h.nextID}
}

// Off removes a subscription. Unknown subscriptions are ignored.
func (h *Hub) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.handlers[sub.Name]
	for i, candidate := range subs {
		if candidate.id == sub.id {
			h.handlers[sub.Name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(h.handlers[sub.Name]) == 0 {
		delete(h.handlers, sub.Name)
	}
}

// Emit delivers an event to handlers registered for name and to wildcard
// handlers. The handler list is copied before delivery so handlers may
// subscribe or unsubscribe without deadlocking.
func (h *Hub) Emit(name string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	h.mu.RLock()
	targets := make([]subscriber, 0, len(h.handlers[name])+len(h.handlers[Wildcard]))
	targets = append(targets, h.handlers[name]...)
	if name != Wildcard {
		targets = append(targets, h.handlers[Wildcard]...)
	}
	source := h.source
	h.mu.RUnlock()

	sort.SliceStable(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	evt := Event{Source: source, Name: name, Payload: payload}
	for _, target := range targets {
		target.handler(evt)
	}
}

// HandlerCount reports how many handlers would receive an event called name.
func (h *Hub) HandlerCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := len(h.handlers[name])
	if name != Wildcard {
		count += len(h.handlers[Wildcard])
	}
	return count
}
