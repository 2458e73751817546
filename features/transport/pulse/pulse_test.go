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
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		mu     sync.Mutex
		nextID int
		added  []addedEvent
		sink   *fakeSink
	}

	addedEvent struct {
		name    string
		payload []byte
	}

	fakeSink struct {
		ch    chan *pulse.Event
		mu    sync.Mutex
		acked []*pulse.Event
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
		s = &fakeStream{sink: &fakeSink{ch: make(chan *pulse.Event, 16)}}
		c.streams[name] = s
	}
	return s, nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.added = append(s.added, addedEvent{name: event, payload: payload})
	return fmt.Sprintf("%d-0", s.nextID), nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *pulse.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, ev *pulse.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ev)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func (s *fakeSink) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

func TestNewTransportValidation(t *testing.T) {
	_, err := NewTransport(TransportOptions{})
	require.Error(t, err)
}

func TestEnqueue(t *testing.T) {
	client := newFakeClient()
	tr, err := NewTransport(TransportOptions{Client: client})
	require.NoError(t, err)

	enq, err := tr.Enqueue(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "1-0", enq.CorrelationToken)

	enq, err = tr.Enqueue(context.Background(), "r2")
	require.NoError(t, err)
	require.Equal(t, "2-0", enq.CorrelationToken)

	_, err = tr.Enqueue(context.Background(), "")
	require.Error(t, err)

	stream := client.streams[DefaultStreamName]
	require.Len(t, stream.added, 2)
	require.Equal(t, EventExecuteRun, stream.added[0].name)
	require.JSONEq(t, `{"run_id":"r1"}`, string(stream.added[0].payload))
}

func TestWorkerExecutesDeliveredTasks(t *testing.T) {
	client := newFakeClient()
	var (
		mu       sync.Mutex
		executed []string
	)
	worker, err := NewWorker(WorkerOptions{
		Client: client,
		Execute: func(_ context.Context, runID string) error {
			mu.Lock()
			executed = append(executed, runID)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	handle, err := client.Stream(DefaultStreamName)
	require.NoError(t, err)
	sink := handle.(*fakeStream).sink
	payload, err := json.Marshal(taskPayload{RunID: "r1"})
	require.NoError(t, err)
	sink.ch <- &pulse.Event{EventName: EventExecuteRun, Payload: payload}
	sink.ch <- &pulse.Event{EventName: "unrelated", Payload: []byte(`{}`)}
	sink.ch <- &pulse.Event{EventName: EventExecuteRun, Payload: []byte(`not json`)}
	close(sink.ch)

	require.NoError(t, worker.Run(context.Background()))
	require.Equal(t, []string{"r1"}, executed)
	// Everything delivered gets acked, including the dropped events.
	require.Equal(t, 3, sink.ackCount())
}

func TestWorkerAcksFailedExecutions(t *testing.T) {
	client := newFakeClient()
	worker, err := NewWorker(WorkerOptions{
		Client: client,
		Execute: func(context.Context, string) error {
			return fmt.Errorf("execution failed")
		},
	})
	require.NoError(t, err)

	handle, err := client.Stream(DefaultStreamName)
	require.NoError(t, err)
	sink := handle.(*fakeStream).sink
	payload, err := json.Marshal(taskPayload{RunID: "r1"})
	require.NoError(t, err)
	sink.ch <- &pulse.Event{EventName: EventExecuteRun, Payload: payload}
	close(sink.ch)

	require.NoError(t, worker.Run(context.Background()))
	require.Equal(t, 1, sink.ackCount())
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	client := newFakeClient()
	worker, err := NewWorker(WorkerOptions{
		Client:  client,
		Execute: func(context.Context, string) error { return nil },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(WorkerOptions{Client: newFakeClient()})
	require.Error(t, err)
	_, err = NewWorker(WorkerOptions{Execute: func(context.Context, string) error { return nil }})
	require.Error(t, err)
}
