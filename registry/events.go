package registry

import (
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/logging"
)

// EventType names a registry event channel.
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentDeregistered EventType = "agent_deregistered"
	EventHealthChanged     EventType = "agent_health_changed"
)

// Event describes one registry change delivered to subscribers.
type Event struct {
	// Type indicates which channel the event belongs to.
	Type EventType

	// AgentID identifies the affected agent.
	AgentID string

	// Registration is a snapshot of the record at event time.
	// For deregistration it holds the last known state.
	Registration *agent.Registration

	// OldHealth and NewHealth are set for health-changed events.
	OldHealth agent.HealthLevel
	NewHealth agent.HealthLevel

	// Timestamp is when the event was emitted.
	Timestamp time.Time
}

// EventHandler is a synchronous event subscriber.
type EventHandler func(Event)

// eventHub fans events out to named-channel subscribers. Callback subscribers
// run synchronously with panic isolation; channel subscribers receive events
// asynchronously through a buffered channel with drop-on-full semantics.
// A subscriber failure never aborts the operation that emitted the event.
type eventHub struct {
	log *logging.Logger

	mu        sync.RWMutex
	callbacks map[EventType]map[string]EventHandler
	channels  map[EventType]map[string]chan Event
	closed    bool
}

func newEventHub(log *logging.Logger) *eventHub {
	return &eventHub{
		log:       log,
		callbacks: make(map[EventType]map[string]EventHandler),
		channels:  make(map[EventType]map[string]chan Event),
	}
}

// subscribeFunc registers a synchronous callback on one event channel.
func (h *eventHub) subscribeFunc(event EventType, subscriberID string, fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if h.callbacks[event] == nil {
		h.callbacks[event] = make(map[string]EventHandler)
	}
	h.callbacks[event][subscriberID] = fn
}

// subscribeChan registers a buffered channel subscriber on one event channel.
func (h *eventHub) subscribeChan(event EventType, subscriberID string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch
	}
	if h.channels[event] == nil {
		h.channels[event] = make(map[string]chan Event)
	}
	if prev, ok := h.channels[event][subscriberID]; ok {
		close(prev)
	}
	h.channels[event][subscriberID] = ch
	return ch
}

// unsubscribe removes a subscriber from one event channel.
func (h *eventHub) unsubscribe(event EventType, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.callbacks[event], subscriberID)
	if ch, ok := h.channels[event][subscriberID]; ok {
		close(ch)
		delete(h.channels[event], subscriberID)
	}
}

// emit delivers an event to every subscriber of its channel.
func (h *eventHub) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	callbacks := make([]EventHandler, 0, len(h.callbacks[ev.Type]))
	ids := make([]string, 0, len(h.callbacks[ev.Type]))
	for id, fn := range h.callbacks[ev.Type] {
		callbacks = append(callbacks, fn)
		ids = append(ids, id)
	}
	channels := make([]chan Event, 0, len(h.channels[ev.Type]))
	for _, ch := range h.channels[ev.Type] {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	for i, fn := range callbacks {
		h.invoke(ids[i], ev, fn)
	}
	for _, ch := range channels {
		select {
		case ch <- ev:
		default:
			// Buffer full, drop
		}
	}
}

// invoke runs one callback with panic isolation.
func (h *eventHub) invoke(subscriberID string, ev Event, fn EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("event subscriber panicked", map[string]interface{}{
				"subscriber_id": subscriberID,
				"event":         string(ev.Type),
				"agent_id":      ev.AgentID,
				"panic":         r,
			})
		}
	}()
	fn(ev)
}

// close shuts the hub down, closing all channel subscribers.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for _, subs := range h.channels {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.channels = make(map[EventType]map[string]chan Event)
	h.callbacks = make(map[EventType]map[string]EventHandler)
}
