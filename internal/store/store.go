// Package store persists pipeline state with version-based optimistic locking.
package store

import (
	"context"
	"errors"

	"github.com/lucasnoah/archon/internal/pipeline"
)

// ErrAlreadyExists is returned by Save when the issue id is already tracked.
var ErrAlreadyExists = errors.New("pipeline state already exists")

// Store is the durable state repository contract. All writes are atomic;
// UpdateWithVersion is the only mutation path after Save and is the sole
// cross-writer serialization point.
type Store interface {
	// Save inserts a new state row, failing with ErrAlreadyExists on collision.
	Save(ctx context.Context, ps *pipeline.PipelineState) error

	// Get returns the complete state including history, or
	// pipeline.ErrStateNotFound.
	Get(ctx context.Context, issueID string) (*pipeline.PipelineState, error)

	// ListByStage returns all states currently in stage, oldest-created first.
	ListByStage(ctx context.Context, stage pipeline.Stage) ([]*pipeline.PipelineState, error)

	// UpdateWithVersion persists ps only if the stored row is at
	// ps.Version - 1. It returns (false, nil) on a version conflict without
	// mutating anything; the caller may re-read and retry. New history
	// entries beyond the stored count are appended.
	UpdateWithVersion(ctx context.Context, ps *pipeline.PipelineState) (bool, error)

	// Delete removes the state and cascade-deletes its transitions.
	Delete(ctx context.Context, issueID string) error

	// HealthCheck performs a single round-trip probe.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
