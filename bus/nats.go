package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentmesh/agentmesh/logging"
)

// subjectPrefix is the NATS subject root for agentmesh traffic.
const subjectPrefix = "agentmesh.msg."

// broadcastToken addresses messages with no recipient.
const broadcastToken = "_broadcast"

// priorityHeader carries the sender's priority hint.
const priorityHeader = "Agentmesh-Priority"

// NATSBus implements MessageBus over NATS subjects. Each message is published
// to a subject derived from its recipient; subscriptions listen on the
// recipient subject (or the wildcard) and filter locally.
type NATSBus struct {
	conn    *nats.Conn
	ownConn bool
	config  NATSConfig
	log     *logging.Logger

	mu     sync.Mutex
	subs   map[string]*nats.Subscription // keyed by subscriberID + filter key
	closed atomic.Bool
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// Logger for delivery warnings. Default: discard.
	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS and creates a bus.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultNATSConfig().ReconnectWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultNATSConfig().ConnectTimeout
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	b := newNATSBus(conn, cfg)
	b.ownConn = true
	return b, nil
}

// NewNATSBusFromConn creates a bus from an existing connection. The caller
// keeps ownership of the connection.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	return newNATSBus(conn, cfg)
}

func newNATSBus(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &NATSBus{
		conn:   conn,
		config: cfg,
		log:    log.WithComponent("bus"),
		subs:   make(map[string]*nats.Subscription),
	}
}

// subjectFor maps a recipient id to its NATS subject.
func subjectFor(recipientID string) string {
	if recipientID == "" {
		return subjectPrefix + broadcastToken
	}
	return subjectPrefix + recipientID
}

// subscribeSubject picks the subject a filter listens on. A filter pinned to
// one recipient gets that recipient's subject; anything broader listens on
// the wildcard and filters locally.
func subscribeSubject(filter Filter) string {
	if filter.RecipientID != "" {
		return subjectFor(filter.RecipientID)
	}
	return subjectPrefix + ">"
}

// Subscribe registers a handler for messages matching the filter.
func (b *NATSBus) Subscribe(subscriberID string, filter Filter, handler Handler) (string, error) {
	if subscriberID == "" {
		return "", ErrInvalidSubscriber
	}
	if handler == nil {
		return "", ErrInvalidMessage
	}
	if b.closed.Load() {
		return "", ErrClosed
	}

	sub, err := b.conn.Subscribe(subscribeSubject(filter), func(natsMsg *nats.Msg) {
		msg, err := Unmarshal(natsMsg.Data)
		if err != nil {
			b.log.Warn("dropping undecodable message", map[string]interface{}{
				"subject": natsMsg.Subject,
				"error":   err,
			})
			return
		}
		if !filter.Matches(msg) {
			return
		}
		b.deliver(subscriberID, handler, msg)
	})
	if err != nil {
		return "", fmt.Errorf("nats subscribe: %w", err)
	}

	key := subKey(subscriberID, filter)

	b.mu.Lock()
	if prev, ok := b.subs[key]; ok {
		prev.Unsubscribe()
	}
	b.subs[key] = sub
	b.mu.Unlock()

	return key, nil
}

// deliver invokes one handler with panic isolation.
func (b *NATSBus) deliver(subscriberID string, handler Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("subscriber handler panicked", map[string]interface{}{
				"subscriber_id": subscriberID,
				"message_id":    msg.MessageID,
				"panic":         r,
			})
		}
	}()
	handler(msg)
}

// Unsubscribe removes the subscription created with an equal filter.
func (b *NATSBus) Unsubscribe(subscriberID string, filter Filter) error {
	if subscriberID == "" {
		return ErrInvalidSubscriber
	}
	if b.closed.Load() {
		return ErrClosed
	}

	key := subKey(subscriberID, filter)

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[key]
	if !ok {
		return ErrNoSubscription
	}
	delete(b.subs, key)
	return sub.Unsubscribe()
}

// Send publishes a message to its recipient's subject.
func (b *NATSBus) Send(ctx context.Context, msg *Message, priority Priority) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if b.closed.Load() || b.conn.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	natsMsg := nats.NewMsg(subjectFor(msg.RecipientID))
	natsMsg.Data = data
	natsMsg.Header.Set(priorityHeader, priority.String())

	if err := b.conn.PublishMsg(natsMsg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close drops all subscriptions and, if this bus opened the connection,
// closes it.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.ownConn {
		b.conn.Close()
	}
	return nil
}
