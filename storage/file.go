package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentmesh/agentmesh/agent"
)

const fileExt = ".json"

// FileBackend stores one JSON file per registration record in a directory.
// Records are durable and human-inspectable. Writes go through a temp file
// plus rename so a crash never leaves a half-written record behind.
type FileBackend struct {
	dir    string
	mu     sync.Mutex
	closed atomic.Bool
}

// NewFileBackend creates a file backend rooted at dir, creating the
// directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// path maps an agent id to its record file. Ids are path-escaped so
// arbitrary id strings cannot escape the storage directory.
func (b *FileBackend) path(agentID string) string {
	return filepath.Join(b.dir, url.PathEscape(agentID)+fileExt)
}

// Save writes a record atomically.
func (b *FileBackend) Save(ctx context.Context, rec *agent.Registration) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.path(rec.AgentID)
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Load reads a record. A missing file maps to ErrNotFound; an unreadable or
// corrupt file is reported as an error, not silently skipped.
func (b *FileBackend) Load(ctx context.Context, agentID string) (*agent.Registration, error) {
	if err := validateID(agentID); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec agent.Registration
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", agentID, err)
	}
	return &rec, nil
}

// Delete removes a record file. Absent files are a no-op.
func (b *FileBackend) Delete(ctx context.Context, agentID string) error {
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

	if err := os.Remove(b.path(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// List returns all stored agent ids, sorted ascending.
func (b *FileBackend) List(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Query loads every record and matches it against the criteria.
func (b *FileBackend) Query(ctx context.Context, c agent.Criteria) ([]string, error) {
	ids, err := b.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, id := range ids {
		rec, err := b.Load(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				// Deleted between List and Load.
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

// Close shuts down the backend.
func (b *FileBackend) Close() error {
	b.closed.Store(true)
	return nil
}
