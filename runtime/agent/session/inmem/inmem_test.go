package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentic/runtime/agent/session"
)

func TestGetOrCreate(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, created, err := store.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, "alice", sess.Owner)
	require.Equal(t, "chat-1", sess.Key)

	again, created, err := store.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, sess.ID, again.ID)

	other, created, err := store.GetOrCreate(ctx, "bob", "chat-1")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, sess.ID, other.ID)
}

func TestGetOrCreateRequiresOwnerAndKey(t *testing.T) {
	store := New()
	_, _, err := store.GetOrCreate(context.Background(), "", "chat-1")
	require.Error(t, err)
	_, _, err = store.GetOrCreate(context.Background(), "alice", "")
	require.Error(t, err)
}

func TestAppendAndItems(t *testing.T) {
	store := New()
	ctx := context.Background()
	sess, _, err := store.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, sess.ID, payloads("a", "b", "c")))

	items, err := store.Items(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, values(t, items))

	// Positive limit returns the most recent items, still oldest-first.
	items, err = store.Items(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, values(t, items))
}

func TestAppendUnknownSession(t *testing.T) {
	store := New()
	err := store.Append(context.Background(), "nope", payloads("a"))
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestConcurrentAppendsAreContiguous(t *testing.T) {
	store := New()
	ctx := context.Background()
	sess, _, err := store.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)

	const (
		appenders = 8
		batches   = 25
	)
	var wg sync.WaitGroup
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < batches; j++ {
				err := store.Append(ctx, sess.ID, payloads(fmt.Sprintf("%d-%d", i, j)))
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	items, err := store.Items(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, items, appenders*batches)

	// Sequences must be 1..N with no gaps or duplicates.
	st := store.sessions[sess.ID]
	for i, item := range st.items {
		require.Equal(t, int64(i+1), item.Sequence)
	}
}

func TestPopItem(t *testing.T) {
	store := New()
	ctx := context.Background()
	sess, _, err := store.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, sess.ID, payloads("a", "b")))

	payload, ok, err := store.PopItem(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `"b"`, string(payload))

	// Appends continue from the new maximum, not the popped sequence.
	require.NoError(t, store.Append(ctx, sess.ID, payloads("c")))
	items, err := store.Items(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, values(t, items))
	require.Equal(t, int64(2), store.sessions[sess.ID].items[1].Sequence)

	_, ok, err = store.PopItem(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.PopItem(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.PopItem(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClear(t *testing.T) {
	store := New()
	ctx := context.Background()
	sess, _, err := store.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, sess.ID, payloads("a", "b")))
	require.NoError(t, store.Clear(ctx, sess.ID))

	items, err := store.Items(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Empty(t, items)

	// The log restarts from sequence 1 after a clear.
	require.NoError(t, store.Append(ctx, sess.ID, payloads("c")))
	require.Equal(t, int64(1), store.sessions[sess.ID].items[0].Sequence)
}

func TestDeleteIdleBefore(t *testing.T) {
	store := New()
	ctx := context.Background()

	idle, _, err := store.GetOrCreate(ctx, "alice", "idle")
	require.NoError(t, err)
	busy, _, err := store.GetOrCreate(ctx, "alice", "busy")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, busy.ID, payloads("a")))

	// Age both sessions past the cutoff.
	past := time.Now().UTC().Add(-time.Hour)
	store.sessions[idle.ID].sess.UpdatedAt = past
	store.sessions[busy.ID].sess.UpdatedAt = past

	count, err := store.CountIdleBefore(ctx, time.Now().UTC(), true)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	deleted, err := store.DeleteIdleBefore(ctx, time.Now().UTC(), true, 100)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = store.Load(ctx, idle.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = store.Load(ctx, busy.ID)
	require.NoError(t, err)

	// Without requireEmpty the busy session goes too.
	deleted, err = store.DeleteIdleBefore(ctx, time.Now().UTC(), false, 100)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestDeleteIdleBeforeRunProbe(t *testing.T) {
	store := New()
	ctx := context.Background()
	sess, _, err := store.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)
	store.sessions[sess.ID].sess.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	store.SetRunProbe(func(sessionID string) bool { return sessionID == sess.ID })

	deleted, err := store.DeleteIdleBefore(ctx, time.Now().UTC(), true, 100)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func payloads(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		data, _ := json.Marshal(v)
		out[i] = data
	}
	return out
}

func values(t *testing.T, items []json.RawMessage) []string {
	t.Helper()
	out := make([]string, len(items))
	for i, item := range items {
		require.NoError(t, json.Unmarshal(item, &out[i]))
	}
	return out
}
