// Package hooks publishes run lifecycle and event notifications to registered
// subscribers.
//
// The bus replaces ambient signal objects with an explicit observer interface:
// subscribers register against a Bus instance owned by the orchestrator and
// receive typed events. Lifecycle notifications (run started, completed,
// failed, session created) are published fail-fast; per-event run
// notifications are published best-effort so one misbehaving subscriber never
// blocks delivery to the others or aborts persistence.
package hooks

import (
	"encoding/json"
	"time"

	"goa.design/agentic/runtime/agent/run"
	"goa.design/agentic/runtime/agent/session"
)

type (
	// Event is a notification published on the bus. Concrete types below
	// carry the details for each kind.
	Event interface {
		// Kind returns the event kind constant.
		Kind() Kind
	}

	// RunStarted is published when a run transitions to running.
	RunStarted struct {
		// Run is the run snapshot at reservation time.
		Run run.Run
	}

	// RunCompleted is published when a run reaches completed.
	RunCompleted struct {
		// Run is the run snapshot after the terminal write.
		Run run.Run
	}

	// RunFailed is published when a run reaches failed.
	RunFailed struct {
		// Run is the run snapshot after the terminal write.
		Run run.Run
		// Err is the execution failure.
		Err error
	}

	// SessionCreated is published exactly once, when a session is first
	// created for an (owner, key) pair.
	SessionCreated struct {
		// Session is the newly created session.
		Session session.Session
	}

	// RunEvent is published for every persisted run event, after its batch
	// has been flushed.
	RunEvent struct {
		// RunID identifies the run the event belongs to.
		RunID string
		// Sequence is the store-assigned sequence number.
		Sequence int64
		// Type is the event-type label.
		Type string
		// Payload is the persisted event payload.
		Payload json.RawMessage
		// CreatedAt records when the event was persisted.
		CreatedAt time.Time
	}

	// Kind identifies the notification flavor.
	Kind string
)

const (
	// KindRunStarted identifies RunStarted events.
	KindRunStarted Kind = "run_started"
	// KindRunCompleted identifies RunCompleted events.
	KindRunCompleted Kind = "run_completed"
	// KindRunFailed identifies RunFailed events.
	KindRunFailed Kind = "run_failed"
	// KindSessionCreated identifies SessionCreated events.
	KindSessionCreated Kind = "session_created"
	// KindRunEvent identifies RunEvent events.
	KindRunEvent Kind = "run_event"
)

// Kind implements Event.
func (RunStarted) Kind() Kind { return KindRunStarted }

// Kind implements Event.
func (RunCompleted) Kind() Kind { return KindRunCompleted }

// Kind implements Event.
func (RunFailed) Kind() Kind { return KindRunFailed }

// Kind implements Event.
func (SessionCreated) Kind() Kind { return KindSessionCreated }

// Kind implements Event.
func (RunEvent) Kind() Kind { return KindRunEvent }
