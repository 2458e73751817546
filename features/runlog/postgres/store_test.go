package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"goa.design/agentic/features/postgres/postgrestest"
	runpg "goa.design/agentic/features/run/postgres"
	logpg "goa.design/agentic/features/runlog/postgres"
	sessionpg "goa.design/agentic/features/session/postgres"
	"goa.design/agentic/runtime/agent/run"
	"goa.design/agentic/runtime/agent/runlog"
)

func newStore(t *testing.T) (*logpg.Store, string) {
	t.Helper()
	client := postgrestest.Open(t)
	ctx := context.Background()

	sessions, err := sessionpg.New(sessionpg.Options{Client: client})
	require.NoError(t, err)
	sess, _, err := sessions.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)

	runs, err := runpg.New(runpg.Options{Client: client})
	require.NoError(t, err)
	runID := uuid.NewString()
	require.NoError(t, runs.Create(ctx, run.Run{
		ID: runID, SessionID: sess.ID, Owner: "alice", AgentKey: "triage",
	}))

	store, err := logpg.New(logpg.Options{Client: client})
	require.NoError(t, err)
	return store, runID
}

func TestAppendBatchAssignsSequences(t *testing.T) {
	store, runID := newStore(t)
	ctx := context.Background()

	first := []*runlog.Event{
		{Type: "tool_called", Payload: json.RawMessage(`{"n":1}`)},
		{Type: "tool_output", Payload: json.RawMessage(`{"n":2}`)},
	}
	require.NoError(t, store.AppendBatch(ctx, runID, first))
	require.Equal(t, int64(1), first[0].Sequence)
	require.Equal(t, int64(2), first[1].Sequence)
	require.Equal(t, runID, first[0].RunID)
	require.False(t, first[0].CreatedAt.IsZero())

	second := []*runlog.Event{{Type: "message_output_created", Payload: json.RawMessage(`{}`)}}
	require.NoError(t, store.AppendBatch(ctx, runID, second))
	require.Equal(t, int64(3), second[0].Sequence)

	require.ErrorIs(t, store.AppendBatch(ctx, uuid.NewString(),
		[]*runlog.Event{{Type: "x", Payload: json.RawMessage(`{}`)}}), run.ErrRunNotFound)
}

func TestList(t *testing.T) {
	store, runID := newStore(t)
	ctx := context.Background()
	var events []*runlog.Event
	for i := 0; i < 5; i++ {
		events = append(events, &runlog.Event{Type: "tool_called", Payload: json.RawMessage(`{}`)})
	}
	require.NoError(t, store.AppendBatch(ctx, runID, events))

	page, err := store.List(ctx, runID, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, int64(1), page[0].Sequence)

	page, err = store.List(ctx, runID, 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(4), page[0].Sequence)
}

func TestDeleteCreatedBefore(t *testing.T) {
	store, runID := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendBatch(ctx, runID,
		[]*runlog.Event{{Type: "tool_called", Payload: json.RawMessage(`{}`)}}))

	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now().UTC()

	count, err := store.CountCreatedBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	deleted, err := store.DeleteCreatedBefore(ctx, cutoff, 100)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	remaining, err := store.List(ctx, runID, 0, 10)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
