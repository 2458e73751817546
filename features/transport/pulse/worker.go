package pulse

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/clue/log"

	"goa.design/agentic/features/pulse"
)

type (
	// ExecuteFunc runs one delivered run to a terminal state.
	ExecuteFunc func(ctx context.Context, runID string) error

	// WorkerOptions configures the consume side.
	WorkerOptions struct {
		// Client opens the task stream. Required.
		Client pulse.Client
		// Execute handles delivered tasks. Required.
		Execute ExecuteFunc
		// StreamName overrides the task stream name.
		StreamName string
		// SinkName overrides the consumer-group name. Workers sharing a sink
		// name split the task load.
		SinkName string
	}

	// Worker consumes execute-run tasks from the shared stream and hands
	// them to the execution entry point.
	Worker struct {
		client     pulse.Client
		execute    ExecuteFunc
		streamName string
		sinkName   string
	}
)

// DefaultSinkName is the consumer group workers join by default.
const DefaultSinkName = "agent-workers"

// NewWorker validates opts and returns a ready worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Execute == nil {
		return nil, errors.New("execute func is required")
	}
	streamName := opts.StreamName
	if streamName == "" {
		streamName = DefaultStreamName
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = DefaultSinkName
	}
	return &Worker{
		client:     opts.Client,
		execute:    opts.Execute,
		streamName: streamName,
		sinkName:   sinkName,
	}, nil
}

// Run consumes tasks until ctx is canceled. Every delivered task is
// acknowledged, including ones whose execution failed: failures are terminal
// run states, not transport-level retries.
func (w *Worker) Run(ctx context.Context) error {
	stream, err := w.client.Stream(w.streamName)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, w.sinkName)
	if err != nil {
		return err
	}
	defer sink.Close(ctx)

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.handle(ctx, sink, ev)
		}
	}
}

func (w *Worker) handle(ctx context.Context, sink pulse.Sink, ev *pulse.Event) {
	if ev.EventName != EventExecuteRun {
		log.Debugf(ctx, "ignoring unexpected task event (event: %s)", ev.EventName)
		w.ack(ctx, sink, ev)
		return
	}
	var task taskPayload
	if err := json.Unmarshal(ev.Payload, &task); err != nil {
		log.Errorf(ctx, err, "failed to decode task payload, dropping")
		w.ack(ctx, sink, ev)
		return
	}
	if err := w.execute(ctx, task.RunID); err != nil {
		log.Errorf(ctx, err, "run execution failed (run: %s)", task.RunID)
	}
	w.ack(ctx, sink, ev)
}

func (w *Worker) ack(ctx context.Context, sink pulse.Sink, ev *pulse.Event) {
	if err := sink.Ack(ctx, ev); err != nil {
		log.Errorf(ctx, err, "failed to ack task event")
	}
}
