// Package run defines primitives for tracking durable agent run executions.
//
// A Run is one execution attempt of an agent against a session. Runs move
// through a small lifecycle: pending → running → completed or failed. The
// terminal states are final; the only way back from running to pending is the
// explicit crash-recovery sweep.
//
// Admission control is serialized through a single lock owned by the store:
// counting running runs, selecting pending ones and flipping their status all
// happen inside one locked transaction so that no more than the configured
// number of runs ever execute concurrently, regardless of how many dispatcher
// passes or worker processes race each other.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Run captures the persistent state of a single execution attempt.
	Run struct {
		// ID is the opaque unique identifier of the run.
		ID string
		// SessionID identifies the owning session.
		SessionID string
		// Owner references the principal the run belongs to.
		Owner string
		// AgentKey selects which registered agent program to execute.
		AgentKey string
		// Status is the current lifecycle state.
		Status Status
		// Input is the opaque input payload handed to the agent.
		Input json.RawMessage
		// FinalOutput is the serialized agent output, present only when the
		// run completed.
		FinalOutput json.RawMessage
		// RawResponses is the serialized raw response trace, present only
		// when the run completed.
		RawResponses json.RawMessage
		// LastResponseID is an opaque correlation token from the execution
		// library.
		LastResponseID string
		// Error is the persisted failure description, present only when the
		// run failed.
		Error string
		// StartedAt is set exactly once, when the run transitions to running.
		StartedAt *time.Time
		// FinishedAt is set exactly once, when the run reaches a terminal
		// state.
		FinishedAt *time.Time
		// Metadata stores free-form caller metadata. The "run_options" key,
		// when present, carries per-run option overrides merged over the
		// configured defaults; the "context" key carries an opaque context
		// payload for the context factory.
		Metadata map[string]any
		// CorrelationToken is the task-transport token recorded when the run
		// was handed off for asynchronous execution. Empty when the run is
		// not currently enqueued.
		CorrelationToken string
		// CreatedAt records when the run was created.
		CreatedAt time.Time
		// UpdatedAt records when the run was last mutated.
		UpdatedAt time.Time
	}

	// Completion carries the values persisted when a run completes.
	Completion struct {
		// FinalOutput is the serialized agent output.
		FinalOutput json.RawMessage
		// RawResponses is the serialized raw response trace.
		RawResponses json.RawMessage
		// LastResponseID is the execution library's correlation token.
		LastResponseID string
	}

	// EnqueueFunc hands a selected run to the task transport during a
	// dispatch pass. The returned token, when non-empty, is recorded as the
	// run's correlation token before the admission transaction commits.
	EnqueueFunc func(ctx context.Context, r Run) (token string, err error)

	// Store persists runs and owns the admission-control protocol.
	//
	// DispatchPending, ReserveSlot and Recover serialize on a single
	// store-wide admission lock: their read-then-write sequences execute
	// atomically with respect to one another.
	Store interface {
		// Create inserts a new pending run.
		Create(ctx context.Context, r Run) error

		// Load returns a run by ID.
		// Returns ErrRunNotFound when the run does not exist.
		Load(ctx context.Context, runID string) (Run, error)

		// ListBySession returns the session's runs ordered oldest-first.
		ListBySession(ctx context.Context, sessionID string) ([]Run, error)

		// SetCorrelationToken records the task-transport token for the run.
		SetCorrelationToken(ctx context.Context, runID, token string) error

		// ClearCorrelationToken clears the task-transport token, making the
		// run eligible for a future dispatch pass.
		ClearCorrelationToken(ctx context.Context, runID string) error

		// DispatchPending admits up to limit-minus-running pending runs
		// under the admission lock. Runs with an empty correlation token are
		// selected oldest-created-first (ties broken by ID) and handed to
		// enqueue one by one; tokens returned by enqueue are recorded before
		// the transaction commits. Returns the number of runs handed off.
		DispatchPending(ctx context.Context, limit int, enqueue EnqueueFunc) (int, error)

		// ReserveSlot attempts the authoritative admission check for one run
		// under the admission lock: it re-counts running runs against limit
		// and re-reads the run's status. When both checks pass the run is
		// marked running with StartedAt set and true is returned. Otherwise
		// the run is left untouched and false is returned.
		ReserveSlot(ctx context.Context, runID string, limit int) (bool, error)

		// Complete marks the run completed: persists the completion values,
		// clears Error and CorrelationToken and sets FinishedAt, atomically.
		Complete(ctx context.Context, runID string, c Completion) error

		// Fail marks the run failed: persists errText, clears
		// CorrelationToken and sets FinishedAt, atomically.
		Fail(ctx context.Context, runID string, errText string) error

		// Recover sweeps every running run under the admission lock.
		// RecoverFail moves them to failed with Error set to
		// RecoveryErrorText; RecoverRequeue moves them back to pending with
		// StartedAt, FinishedAt, Error and CorrelationToken cleared.
		// Returns the number of runs affected.
		Recover(ctx context.Context, mode RecoveryMode) (int, error)

		// DeleteOlderThan deletes runs whose UpdatedAt is older than cutoff
		// and whose status is one of statuses, in batches of batchSize.
		// Returns the number of runs deleted.
		DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []Status, batchSize int) (int, error)

		// CountOlderThan counts the runs DeleteOlderThan would delete.
		CountOlderThan(ctx context.Context, cutoff time.Time, statuses []Status) (int, error)
	}

	// Status represents the lifecycle state of a run.
	Status string

	// RecoveryMode selects how Recover repairs runs stuck in running.
	RecoveryMode string
)

const (
	// StatusPending indicates the run has been created but not admitted yet.
	StatusPending Status = "pending"
	// StatusRunning indicates the run is actively executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
)

const (
	// RecoverFail transitions stuck runs to failed.
	RecoverFail RecoveryMode = "fail"
	// RecoverRequeue transitions stuck runs back to pending.
	RecoverRequeue RecoveryMode = "requeue"
)

// RecoveryErrorText is the error persisted on runs failed by a recovery sweep.
const RecoveryErrorText = "Server restart"

var (
	// ErrRunNotFound indicates a run does not exist in the store.
	ErrRunNotFound = errors.New("run not found")

	// ErrStoreNotReady indicates the storage backend is unreachable or its
	// schema is not provisioned yet. The startup recovery gate treats this
	// as "not yet ready" and retries on the next call; every other caller
	// should surface it.
	ErrStoreNotReady = errors.New("run store not ready")
)

// Statuses lists every valid run status.
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}
}

// ValidStatus reports whether s is one of the defined run statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
