package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/logging"
)

// MemoryBus implements MessageBus with in-process delivery.
// Handlers run synchronously on the sender's goroutine, which keeps tests
// deterministic; each handler is panic-isolated.
type MemoryBus struct {
	log *logging.Logger

	mu     sync.RWMutex
	subs   map[string]*memorySub // keyed by subscriberID + filter key
	closed atomic.Bool
}

type memorySub struct {
	id           string
	subscriberID string
	filter       Filter
	handler      Handler
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(log *logging.Logger) *MemoryBus {
	if log == nil {
		log = logging.Nop()
	}
	return &MemoryBus{
		log:  log.WithComponent("bus"),
		subs: make(map[string]*memorySub),
	}
}

func subKey(subscriberID string, filter Filter) string {
	return subscriberID + "\x00" + filter.key()
}

// Subscribe registers a handler for messages matching the filter.
// Resubscribing with an equal filter replaces the previous handler.
func (b *MemoryBus) Subscribe(subscriberID string, filter Filter, handler Handler) (string, error) {
	if subscriberID == "" {
		return "", ErrInvalidSubscriber
	}
	if handler == nil {
		return "", ErrInvalidMessage
	}
	if b.closed.Load() {
		return "", ErrClosed
	}

	sub := &memorySub{
		id:           uuid.New().String(),
		subscriberID: subscriberID,
		filter:       filter,
		handler:      handler,
	}

	b.mu.Lock()
	b.subs[subKey(subscriberID, filter)] = sub
	b.mu.Unlock()

	return sub.id, nil
}

// Unsubscribe removes the subscription created with an equal filter.
func (b *MemoryBus) Unsubscribe(subscriberID string, filter Filter) error {
	if subscriberID == "" {
		return ErrInvalidSubscriber
	}
	if b.closed.Load() {
		return ErrClosed
	}

	key := subKey(subscriberID, filter)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[key]; !ok {
		return ErrNoSubscription
	}
	delete(b.subs, key)
	return nil
}

// Send delivers a message to every subscriber whose filter matches.
// A failing subscriber never affects the sender or other subscribers.
func (b *MemoryBus) Send(ctx context.Context, msg *Message, priority Priority) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	matching := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(msg) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.deliver(sub, msg)
	}
	return nil
}

// deliver invokes one handler with panic isolation.
func (b *MemoryBus) deliver(sub *memorySub, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("subscriber handler panicked", map[string]interface{}{
				"subscriber_id": sub.subscriberID,
				"message_id":    msg.MessageID,
				"panic":         r,
			})
		}
	}()
	sub.handler(msg)
}

// Close shuts down the bus and drops all subscriptions.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	b.subs = make(map[string]*memorySub)
	b.mu.Unlock()
	return nil
}
