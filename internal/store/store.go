// Package store persists PoC records. The unique (agent_id, task_id,
// poc_hash) constraint is the single arbiter of record identity; no
// explicit locking is layered on top of it.
package store

import (
	"context"

	"github.com/oriys/cybergym/internal/domain"
)

// Query selects records. Zero-value fields are ignored, so a query with
// only AgentID set returns every PoC for that agent.
type Query struct {
	PoCID   string
	AgentID string
	TaskID  string
	PoCHash string
}

// Store is the durable PoC record store.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// GetOrCreate inserts rec unless its (agent_id, task_id, poc_hash)
	// triple already exists, and returns the surviving row. Concurrent
	// inserts of the same triple resolve to a single row; the caller must
	// adopt the returned poc_id.
	GetOrCreate(ctx context.Context, rec *domain.PoCRecord) (*domain.PoCRecord, error)

	// Find returns records matching the query in insertion order.
	Find(ctx context.Context, q Query) ([]*domain.PoCRecord, error)

	// UpdateExitCode persists the exit code for one mode of a record.
	UpdateExitCode(ctx context.Context, pocID string, mode domain.Mode, exitCode int) error
}
