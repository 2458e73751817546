// Package pulse implements the task transport on goa.design/pulse streams:
// dispatch publishes execute-run tasks to a shared stream and worker
// processes consume them through a consumer group.
//
// Delivery is at-least-once. The worker relies on the orchestrator's
// idempotent execution entry point to absorb duplicates.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/agentic/features/pulse"
	"goa.design/agentic/runtime/agent/transport"
)

// DefaultStreamName is the Pulse stream tasks are published to.
const DefaultStreamName = "agent-tasks"

// EventExecuteRun is the event name of an execute-run task.
const EventExecuteRun = "execute_run"

type (
	// TransportOptions configures the dispatch side.
	TransportOptions struct {
		// Client publishes to the task stream. Required.
		Client pulse.Client
		// StreamName overrides the task stream name.
		StreamName string
	}

	// Transport implements transport.Transport on a Pulse stream. The Redis
	// event ID of the published task becomes the run's correlation token.
	Transport struct {
		stream pulse.Stream
	}

	// taskPayload is the wire form of an execute-run task.
	taskPayload struct {
		RunID string `json:"run_id"`
	}
)

// NewTransport validates opts and returns a ready transport.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	return &Transport{stream: stream}, nil
}

// Enqueue implements transport.Transport.
func (t *Transport) Enqueue(ctx context.Context, runID string) (transport.Enqueued, error) {
	if runID == "" {
		return transport.Enqueued{}, errors.New("run id is required")
	}
	payload, err := json.Marshal(taskPayload{RunID: runID})
	if err != nil {
		return transport.Enqueued{}, fmt.Errorf("failed to encode task payload: %w", err)
	}
	id, err := t.stream.Add(ctx, EventExecuteRun, payload)
	if err != nil {
		return transport.Enqueued{}, err
	}
	return transport.Enqueued{CorrelationToken: id}, nil
}
