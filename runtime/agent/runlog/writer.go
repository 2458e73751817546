package runlog

import (
	"context"
	"errors"

	"goa.design/clue/log"

	"goa.design/agentic/runtime/agent/execute"
	"goa.design/agentic/runtime/agent/hooks"
)

type (
	// WriterOptions configures an event log writer.
	WriterOptions struct {
		// Store persists the events. Required.
		Store Store
		// Bus receives a best-effort RunEvent notification per persisted
		// event, after its batch has been flushed. Optional.
		Bus hooks.Bus
		// Serializer maps stream events to persisted shapes. Defaults to
		// JSONEventSerializer.
		Serializer EventSerializer
		// BatchSize is the flush threshold. Defaults to 50.
		BatchSize int
	}

	// Writer consumes a live stream of execution events and persists them in
	// batches with monotonic per-run sequence numbers.
	//
	// Per-event serialization failures are logged and the event skipped;
	// only storage failures abort consumption.
	Writer struct {
		store      Store
		bus        hooks.Bus
		serializer EventSerializer
		batchSize  int
	}
)

// NewWriter builds a Writer from opts.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = JSONEventSerializer{}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Writer{
		store:      opts.Store,
		bus:        opts.Bus,
		serializer: serializer,
		batchSize:  batchSize,
	}, nil
}

// Consume drains events until the channel closes, flushing a batch whenever
// it reaches the configured size and once more at the end of the stream.
func (w *Writer) Consume(ctx context.Context, runID string, events <-chan execute.StreamEvent) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	batch := make([]*Event, 0, w.batchSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return w.flush(ctx, runID, batch)
			}
			eventType, payload, err := w.serializer.Serialize(ev)
			if err != nil {
				log.Errorf(ctx, err, "failed to serialize stream event, skipping (run: %s)", runID)
				continue
			}
			if payload == nil {
				continue
			}
			batch = append(batch, &Event{RunID: runID, Type: eventType, Payload: payload})
			if len(batch) >= w.batchSize {
				if err := w.flush(ctx, runID, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
}

// flush persists the batch and notifies subscribers once per event. Delivery
// is best-effort: subscriber failures never abort persistence.
func (w *Writer) flush(ctx context.Context, runID string, batch []*Event) error {
	if len(batch) == 0 {
		return nil
	}
	if err := w.store.AppendBatch(ctx, runID, batch); err != nil {
		return err
	}
	if w.bus == nil {
		return nil
	}
	for _, e := range batch {
		w.bus.PublishRobust(ctx, hooks.RunEvent{
			RunID:     e.RunID,
			Sequence:  e.Sequence,
			Type:      e.Type,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	return nil
}
