package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentic/features/pulse"
	"goa.design/agentic/runtime/agent/hooks"
	"goa.design/agentic/runtime/agent/run"
	"goa.design/agentic/runtime/agent/session"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		mu    sync.Mutex
		added []addedEvent
	}

	addedEvent struct {
		name    string
		payload []byte
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, addedEvent{name: event, payload: payload})
	return fmt.Sprintf("%d-0", len(s.added)), nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulse.Sink, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func TestNewNotifierValidation(t *testing.T) {
	_, err := NewNotifier(Options{})
	require.Error(t, err)
}

func TestNotifierPublishesLifecycleEvents(t *testing.T) {
	client := newFakeClient()
	notifier, err := NewNotifier(Options{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, notifier.HandleEvent(ctx, hooks.RunStarted{Run: run.Run{ID: "r1"}}))
	require.NoError(t, notifier.HandleEvent(ctx, hooks.RunCompleted{Run: run.Run{
		ID:          "r1",
		FinalOutput: json.RawMessage(`"answer"`),
	}}))
	require.NoError(t, notifier.HandleEvent(ctx, hooks.RunFailed{Run: run.Run{
		ID:    "r1",
		Error: "RuntimeError: boom",
	}}))

	stream := client.streams["run/r1"]
	require.NotNil(t, stream)
	require.Len(t, stream.added, 3)
	require.Equal(t, "run_started", stream.added[0].name)
	require.Equal(t, "run_completed", stream.added[1].name)
	require.Equal(t, "run_failed", stream.added[2].name)

	var env struct {
		Type      string          `json:"type"`
		RunID     string          `json:"run_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(stream.added[1].payload, &env))
	require.Equal(t, "run_completed", env.Type)
	require.Equal(t, "r1", env.RunID)
	require.False(t, env.Timestamp.IsZero())
	require.JSONEq(t, `{"final_output":"answer"}`, string(env.Payload))
}

func TestNotifierPublishesRunEvents(t *testing.T) {
	client := newFakeClient()
	notifier, err := NewNotifier(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, notifier.HandleEvent(context.Background(), hooks.RunEvent{
		RunID:    "r1",
		Sequence: 7,
		Type:     "tool_called",
		Payload:  json.RawMessage(`{"tool":"search"}`),
	}))

	stream := client.streams["run/r1"]
	require.NotNil(t, stream)
	require.Len(t, stream.added, 1)
	require.Equal(t, "tool_called", stream.added[0].name)
	require.Contains(t, string(stream.added[0].payload), `"sequence":7`)
}

func TestNotifierSkipsSessionEvents(t *testing.T) {
	client := newFakeClient()
	notifier, err := NewNotifier(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, notifier.HandleEvent(context.Background(), hooks.SessionCreated{
		Session: session.Session{ID: "s1"},
	}))
	require.Empty(t, client.streams)
}

func TestNotifierCustomStreamID(t *testing.T) {
	client := newFakeClient()
	notifier, err := NewNotifier(Options{
		Client:   client,
		StreamID: func(runID string) string { return "events:" + runID },
	})
	require.NoError(t, err)

	require.NoError(t, notifier.HandleEvent(context.Background(), hooks.RunStarted{Run: run.Run{ID: "r1"}}))
	require.NotNil(t, client.streams["events:r1"])
}
