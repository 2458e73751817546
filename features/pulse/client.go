// Package pulse wraps goa.design/pulse streams behind the narrow interface
// the task transport and the event fan-out share. Callers build a Redis
// client, pass it to New and hand the resulting Client to the features that
// need it.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Event is a delivered stream event. Alias so consumers need not import the
// streaming package directly.
type Event = streaming.Event

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero keeps the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client opens handles to named Pulse streams.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
	}

	// Stream publishes events and creates consumer-group sinks.
	Stream interface {
		// Add publishes an event and returns the Redis-assigned event ID
		// ("1234567890-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from a stream.
	Sink interface {
		// Subscribe returns the channel events arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges an event, removing it from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New validates opts and returns a Client backed by the given Redis
// connection. The caller keeps ownership of the connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream implements Client.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Add implements Stream.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("failed to publish to pulse stream: %w", err)
	}
	return id, nil
}

// NewSink implements Stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

// Destroy implements Stream.
func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// Close adapts the streaming sink's void-returning Close.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
