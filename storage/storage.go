package storage

import (
	"context"
	"errors"

	"github.com/agentmesh/agentmesh/agent"
)

// Common errors.
var (
	ErrNotFound  = errors.New("record not found")
	ErrClosed    = errors.New("backend closed")
	ErrInvalidID = errors.New("invalid agent ID")
)

// Backend persists one registration record per agent id.
type Backend interface {
	// Save stores or replaces the record for its agent id.
	Save(ctx context.Context, rec *agent.Registration) error

	// Load retrieves the record for an agent id.
	// Returns ErrNotFound if no record exists.
	Load(ctx context.Context, agentID string) (*agent.Registration, error)

	// Delete removes the record for an agent id.
	// Deleting an absent id is not an error.
	Delete(ctx context.Context, agentID string) error

	// List returns the ids of all stored records.
	List(ctx context.Context) ([]string, error)

	// Query returns the ids of records matching the criteria.
	// An empty result is a valid "no match", not an error.
	Query(ctx context.Context, c agent.Criteria) ([]string, error)

	// Close releases resources held by the backend.
	Close() error
}

// validateID rejects ids that cannot serve as storage keys.
func validateID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	return nil
}

// applyLimit truncates ids to the criteria limit, if one is set.
func applyLimit(ids []string, c agent.Criteria) []string {
	if c.Limit > 0 && len(ids) > c.Limit {
		return ids[:c.Limit]
	}
	return ids
}
