package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agentmesh/agentmesh/agent"
)

// MemoryBackend is an in-memory implementation of Backend.
// Records do not survive process restarts; suitable for tests and
// single-process deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*agent.Registration
	closed  atomic.Bool
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*agent.Registration),
	}
}

// Save stores or replaces a record.
func (b *MemoryBackend) Save(ctx context.Context, rec *agent.Registration) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.AgentID] = rec.Clone()
	return nil
}

// Load retrieves a record by agent id.
func (b *MemoryBackend) Load(ctx context.Context, agentID string) (*agent.Registration, error) {
	if err := validateID(agentID); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Delete removes a record. Absent ids are a no-op.
func (b *MemoryBackend) Delete(ctx context.Context, agentID string) error {
	if err := validateID(agentID); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, agentID)
	return nil
}

// List returns all stored agent ids, sorted ascending.
func (b *MemoryBackend) List(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Query returns ids of records matching the criteria, sorted ascending.
func (b *MemoryBackend) Query(ctx context.Context, c agent.Criteria) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for id, rec := range b.records {
		if c.Matches(rec) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return applyLimit(ids, c), nil
}

// Close shuts down the backend.
func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	return nil
}
