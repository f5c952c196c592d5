package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentmesh/agentmesh/agent"
)

// NATSBackend implements Backend using a NATS JetStream KV bucket.
// Suitable for deployments where several processes share one registry view.
type NATSBackend struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSBackendConfig
	closed atomic.Bool
}

// NATSBackendConfig configures the NATS backend.
type NATSBackendConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name. Default: "agent-registrations"
	Bucket string

	// Replicas for the KV bucket (1-5). Default: 1
	Replicas int

	// OpTimeout bounds individual KV operations. Default: 5 seconds
	OpTimeout time.Duration
}

// DefaultNATSBackendConfig returns configuration with sensible defaults.
func DefaultNATSBackendConfig() NATSBackendConfig {
	return NATSBackendConfig{
		Bucket:    "agent-registrations",
		Replicas:  1,
		OpTimeout: 5 * time.Second,
	}
}

// NewNATSBackend creates a backend over a JetStream KV bucket, creating the
// bucket if needed.
func NewNATSBackend(cfg NATSBackendConfig) (*NATSBackend, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultNATSBackendConfig().Bucket
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultNATSBackendConfig().OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSBackend{
		conn:   cfg.Conn,
		kv:     kv,
		config: cfg,
	}, nil
}

// opContext derives a bounded context for one KV operation.
func (b *NATSBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.config.OpTimeout)
}

// Save stores or replaces a record.
func (b *NATSBackend) Save(ctx context.Context, rec *agent.Registration) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	if _, err := b.kv.Put(opCtx, rec.AgentID, data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Load retrieves a record by agent id.
func (b *NATSBackend) Load(ctx context.Context, agentID string) (*agent.Registration, error) {
	if err := validateID(agentID); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	entry, err := b.kv.Get(opCtx, agentID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	var rec agent.Registration
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", agentID, err)
	}
	return &rec, nil
}

// Delete removes a record. Absent keys are a no-op.
func (b *NATSBackend) Delete(ctx context.Context, agentID string) error {
	if err := validateID(agentID); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	if err := b.kv.Delete(opCtx, agentID); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// List returns all stored agent ids, sorted ascending.
func (b *NATSBackend) List(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	lister, err := b.kv.ListKeys(opCtx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list: %w", err)
	}

	var ids []string
	for id := range lister.Keys() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Query loads every record and matches it against the criteria.
func (b *NATSBackend) Query(ctx context.Context, c agent.Criteria) ([]string, error) {
	ids, err := b.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, id := range ids {
		rec, err := b.Load(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if c.Matches(rec) {
			matched = append(matched, id)
		}
	}
	return applyLimit(matched, c), nil
}

// Close shuts down the backend. The NATS connection is owned by the caller
// and is not closed here.
func (b *NATSBackend) Close() error {
	b.closed.Store(true)
	return nil
}
