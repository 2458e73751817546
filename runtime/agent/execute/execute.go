// Package execute defines the contract with the external agent execution
// library. The library's internal reasoning and tool-calling logic is opaque:
// this module only hands it inputs and persists its outputs and events.
package execute

import (
	"context"
	"encoding/json"

	"goa.design/agentic/runtime/agent/session"
)

type (
	// Agent is an executable agent program produced by a registry factory.
	// The execution library owns its semantics; the runtime only needs a
	// stable name for diagnostics.
	Agent interface {
		// Name returns the agent's human-readable name.
		Name() string
	}

	// Request carries everything the execution library needs for one run.
	Request struct {
		// Agent is the agent program to execute.
		Agent Agent
		// Input is the run's opaque input payload.
		Input json.RawMessage
		// Session is the conversation log the agent reads and appends to.
		Session session.Log
		// Context is an opaque execution context built by the configured
		// context factory, nil when no factory is configured.
		Context any
		// Options are the effective run options: configured defaults merged
		// with per-run overrides, override winning key by key.
		Options map[string]any
	}

	// Result is the execution library's final product for a run.
	Result struct {
		// FinalOutput is the serialized final output.
		FinalOutput json.RawMessage
		// RawResponses is the serialized raw response trace.
		RawResponses json.RawMessage
		// LastResponseID is the library's correlation token, may be empty.
		LastResponseID string
		// Release frees resources held by the execution library. The
		// orchestrator calls it once after consuming the result; nil is
		// treated as a no-op.
		Release func()
	}

	// Streamed is a streaming execution in progress.
	Streamed interface {
		// Events returns the live event sequence. The channel is closed when
		// the stream ends, successfully or not.
		Events() <-chan StreamEvent
		// Result blocks until the execution finishes and returns the final
		// result. It must be called after Events is drained.
		Result() (*Result, error)
	}

	// Executor is the execution library entry point.
	Executor interface {
		// Run executes the agent to completion and returns its result.
		Run(ctx context.Context, req Request) (*Result, error)
		// RunStreamed starts a streaming execution that yields events while
		// running and ultimately produces the same result shape as Run.
		RunStreamed(ctx context.Context, req Request) (Streamed, error)
	}

	// StreamEvent is one typed event yielded by a streaming execution.
	StreamEvent interface {
		// StreamEventType returns the event's wire type label.
		StreamEventType() string
	}

	// RawResponseEvent carries a low-level provider response chunk. These
	// are never persisted to the run log.
	RawResponseEvent struct {
		// Data is the raw provider payload.
		Data json.RawMessage
	}

	// RunItemEvent reports a completed run item (message, tool call, tool
	// output) produced during execution.
	RunItemEvent struct {
		// Name is the item-specific event name (e.g. "message_output_created").
		Name string
		// Item is the serialized run item.
		Item json.RawMessage
	}

	// AgentUpdatedEvent reports a handoff to a different agent.
	AgentUpdatedEvent struct {
		// AgentName is the name of the agent now in control.
		AgentName string
	}
)

// StreamEventType implements StreamEvent.
func (RawResponseEvent) StreamEventType() string { return "raw_response_event" }

// StreamEventType implements StreamEvent.
func (RunItemEvent) StreamEventType() string { return "run_item_stream_event" }

// StreamEventType implements StreamEvent.
func (AgentUpdatedEvent) StreamEventType() string { return "agent_updated_stream_event" }
