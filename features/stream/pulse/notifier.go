// Package pulse forwards run notifications to goa.design/pulse streams so
// external consumers (UIs, SSE bridges) can follow a run live. Each run gets
// its own stream; lifecycle notifications and persisted run events are
// published as JSON envelopes.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/agentic/features/pulse"
	"goa.design/agentic/runtime/agent/hooks"
)

type (
	// Options configures the notifier.
	Options struct {
		// Client publishes the envelopes. Required.
		Client pulse.Client
		// StreamID derives the target stream from a run ID. Defaults to
		// "run/<id>".
		StreamID func(runID string) string
	}

	// Notifier implements hooks.Subscriber by publishing every run-scoped
	// notification to the run's Pulse stream. Register it on the bus.
	Notifier struct {
		client   pulse.Client
		streamID func(runID string) string
	}

	// envelope is the wire form of a published notification.
	envelope struct {
		// Type is the notification kind or persisted event type.
		Type string `json:"type"`
		// RunID links the notification to its run.
		RunID string `json:"run_id"`
		// Timestamp records when the envelope was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries kind-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewNotifier validates opts and returns a ready notifier.
func NewNotifier(opts Options) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func(runID string) string { return fmt.Sprintf("run/%s", runID) }
	}
	return &Notifier{client: opts.Client, streamID: streamID}, nil
}

// HandleEvent implements hooks.Subscriber. Notifications that do not belong
// to a run (session creation) are skipped.
func (n *Notifier) HandleEvent(ctx context.Context, event hooks.Event) error {
	env, ok := envelopeFor(event)
	if !ok {
		return nil
	}
	stream, err := n.client.Stream(n.streamID(env.RunID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode notification envelope: %w", err)
	}
	if _, err := stream.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

func envelopeFor(event hooks.Event) (envelope, bool) {
	now := time.Now().UTC()
	switch e := event.(type) {
	case hooks.RunStarted:
		return envelope{Type: string(e.Kind()), RunID: e.Run.ID, Timestamp: now}, true
	case hooks.RunCompleted:
		return envelope{
			Type:      string(e.Kind()),
			RunID:     e.Run.ID,
			Timestamp: now,
			Payload:   map[string]any{"final_output": json.RawMessage(e.Run.FinalOutput)},
		}, true
	case hooks.RunFailed:
		return envelope{
			Type:      string(e.Kind()),
			RunID:     e.Run.ID,
			Timestamp: now,
			Payload:   map[string]any{"error": e.Run.Error},
		}, true
	case hooks.RunEvent:
		return envelope{
			Type:      e.Type,
			RunID:     e.RunID,
			Timestamp: now,
			Payload:   map[string]any{"sequence": e.Sequence, "event": json.RawMessage(e.Payload)},
		}, true
	default:
		return envelope{}, false
	}
}
