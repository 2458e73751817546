// Package session defines the durable, append-only conversation log that
// agents read and append to.
//
// A Session is identified by an (owner, key) pair and is created lazily the
// first time the pair is used. Items form an ordered log: every item carries a
// sequence number that is unique and strictly increasing within its session.
// Store implementations assign sequences under a per-session lock so that
// concurrent appenders never produce duplicate or out-of-order numbers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Session captures the durable state of a conversation log.
	Session struct {
		// ID is the opaque unique identifier of the session.
		ID string
		// Owner references the principal the session belongs to.
		Owner string
		// Key is the caller-supplied session key, unique per owner.
		Key string
		// Metadata stores free-form caller metadata.
		Metadata map[string]any
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// UpdatedAt records when the log was last mutated.
		UpdatedAt time.Time
	}

	// Item is a single entry in a session's conversation log.
	Item struct {
		// SessionID identifies the owning session.
		SessionID string
		// Sequence is the item's position in the log. Sequences start at 1
		// and increase strictly within a session.
		Sequence int64
		// Payload is the opaque serialized item content.
		Payload json.RawMessage
		// CreatedAt records when the item was appended.
		CreatedAt time.Time
	}

	// Store persists sessions and their conversation logs.
	//
	// All mutating operations are atomic: partial application (half an
	// appended batch, for example) is never observable to other callers.
	// Append, PopItem and Clear serialize on a per-session lock, so a pop
	// never races an append on the same session.
	Store interface {
		// GetOrCreate returns the session for (owner, key), creating it if
		// needed. The boolean reports whether the session was created by
		// this call; it is true exactly once per (owner, key).
		GetOrCreate(ctx context.Context, owner, key string) (Session, bool, error)

		// Load returns an existing session by ID.
		// Returns ErrSessionNotFound when the session does not exist.
		Load(ctx context.Context, sessionID string) (Session, error)

		// Append adds items to the end of the log in the given order,
		// assigning each a sequence continuing from the session's current
		// maximum. Appending an empty batch is a no-op. Bumps UpdatedAt.
		Append(ctx context.Context, sessionID string, items []json.RawMessage) error

		// Items returns log payloads oldest-first. A non-positive limit
		// returns the full log; otherwise the most recent limit items are
		// returned, still ordered oldest-first among themselves.
		Items(ctx context.Context, sessionID string, limit int) ([]json.RawMessage, error)

		// PopItem removes and returns the highest-sequence item. The boolean
		// is false when the log is empty. A subsequent Append continues from
		// the log's new maximum, not from the removed sequence.
		PopItem(ctx context.Context, sessionID string) (json.RawMessage, bool, error)

		// Clear deletes all items for the session and bumps UpdatedAt.
		Clear(ctx context.Context, sessionID string) error

		// DeleteIdleBefore deletes sessions whose UpdatedAt is older than
		// cutoff, in batches of batchSize. When requireEmpty is true only
		// sessions with no items and no runs are deleted. Returns the number
		// of sessions deleted.
		DeleteIdleBefore(ctx context.Context, cutoff time.Time, requireEmpty bool, batchSize int) (int, error)

		// CountIdleBefore counts the sessions DeleteIdleBefore would delete.
		CountIdleBefore(ctx context.Context, cutoff time.Time, requireEmpty bool) (int, error)
	}

	// Log is a session-bound view of a Store used by agent executions. It
	// exposes the conversation log of a single session without the session
	// identifier plumbing.
	Log interface {
		// SessionID returns the identifier of the bound session.
		SessionID() string
		// Items returns log payloads oldest-first, most recent limit items
		// when limit is positive.
		Items(ctx context.Context, limit int) ([]json.RawMessage, error)
		// Append adds items to the end of the log.
		Append(ctx context.Context, items []json.RawMessage) error
		// Pop removes and returns the highest-sequence item.
		Pop(ctx context.Context) (json.RawMessage, bool, error)
		// Clear deletes all items.
		Clear(ctx context.Context) error
	}
)

// ErrSessionNotFound indicates a session does not exist in the store.
var ErrSessionNotFound = errors.New("session not found")

// NewLog binds a Store to a single session and returns the resulting Log.
func NewLog(store Store, sessionID string) Log {
	return boundLog{store: store, id: sessionID}
}

type boundLog struct {
	store Store
	id    string
}

func (l boundLog) SessionID() string { return l.id }

func (l boundLog) Items(ctx context.Context, limit int) ([]json.RawMessage, error) {
	return l.store.Items(ctx, l.id, limit)
}

func (l boundLog) Append(ctx context.Context, items []json.RawMessage) error {
	return l.store.Append(ctx, l.id, items)
}

func (l boundLog) Pop(ctx context.Context) (json.RawMessage, bool, error) {
	return l.store.PopItem(ctx, l.id)
}

func (l boundLog) Clear(ctx context.Context) error {
	return l.store.Clear(ctx, l.id)
}
