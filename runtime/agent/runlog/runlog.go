// Package runlog provides the durable, order-preserving event log produced
// while a run executes.
//
// Events carry a per-run sequence number assigned by the store: batches
// continue from the run's current maximum, so a run that resumes streaming
// after a partial failure never collides with sequences already persisted.
package runlog

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is a single item in the ordered record of a run's execution.
	Event struct {
		// RunID identifies the owning run.
		RunID string
		// Sequence is the event's position in the run's log. Sequences are
		// unique and strictly increasing within a run; the store assigns
		// them when persisting a batch.
		Sequence int64
		// Type is the event-type label.
		Type string
		// Payload is the compact serialized event content.
		Payload json.RawMessage
		// CreatedAt records when the event was persisted.
		CreatedAt time.Time
	}

	// Store is the durable event log.
	Store interface {
		// AppendBatch persists the events in order, assigning each a
		// sequence continuing from the run's current maximum under a
		// per-run lock. The assigned sequences are written back into the
		// batch. Appending an empty batch is a no-op.
		AppendBatch(ctx context.Context, runID string, events []*Event) error

		// List returns up to limit events with sequence greater than
		// afterSeq, ordered by sequence. Limit must be greater than zero.
		List(ctx context.Context, runID string, afterSeq int64, limit int) ([]*Event, error)

		// DeleteCreatedBefore deletes events older than cutoff in batches of
		// batchSize and returns the number deleted.
		DeleteCreatedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)

		// CountCreatedBefore counts the events DeleteCreatedBefore would
		// delete.
		CountCreatedBefore(ctx context.Context, cutoff time.Time) (int, error)
	}
)
