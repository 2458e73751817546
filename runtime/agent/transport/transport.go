// Package transport defines the task-transport contract used to hand runs to
// worker processes for asynchronous execution.
//
// Transports provide at-least-once delivery: a run may be delivered to more
// than one worker or more than once to the same worker. The orchestrator's
// Execute is idempotent on non-pending runs, which absorbs duplicates.
package transport

import "context"

type (
	// Enqueued is the typed result of handing a run to the transport.
	Enqueued struct {
		// CorrelationToken identifies the enqueued task when the transport
		// assigns one. Empty means no token is recorded on the run.
		CorrelationToken string
	}

	// Transport enqueues runs for asynchronous pickup by workers.
	Transport interface {
		// Enqueue hands the run identifier to the transport.
		Enqueue(ctx context.Context, runID string) (Enqueued, error)
	}
)
