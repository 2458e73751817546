package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentic/runtime/agent/runlog"
)

func TestAppendBatchAssignsContiguousSequences(t *testing.T) {
	store := New()
	ctx := context.Background()

	first := []*runlog.Event{
		{Type: "message_output_created", Payload: []byte(`{"n":1}`)},
		{Type: "tool_called", Payload: []byte(`{"n":2}`)},
	}
	require.NoError(t, store.AppendBatch(ctx, "r1", first))
	require.Equal(t, int64(1), first[0].Sequence)
	require.Equal(t, int64(2), first[1].Sequence)
	require.Equal(t, "r1", first[0].RunID)
	require.False(t, first[0].CreatedAt.IsZero())

	// A later batch continues from the stored maximum.
	second := []*runlog.Event{{Type: "tool_output", Payload: []byte(`{"n":3}`)}}
	require.NoError(t, store.AppendBatch(ctx, "r1", second))
	require.Equal(t, int64(3), second[0].Sequence)

	// Other runs sequence independently.
	other := []*runlog.Event{{Type: "message_output_created", Payload: []byte(`{}`)}}
	require.NoError(t, store.AppendBatch(ctx, "r2", other))
	require.Equal(t, int64(1), other[0].Sequence)
}

func TestAppendBatchValidation(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.Error(t, store.AppendBatch(ctx, "", []*runlog.Event{{Type: "x"}}))
	require.NoError(t, store.AppendBatch(ctx, "r1", nil))
}

func TestList(t *testing.T) {
	store := New()
	ctx := context.Background()
	var events []*runlog.Event
	for i := 0; i < 5; i++ {
		events = append(events, &runlog.Event{Type: "tool_called", Payload: []byte(`{}`)})
	}
	require.NoError(t, store.AppendBatch(ctx, "r1", events))

	page, err := store.List(ctx, "r1", 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, int64(1), page[0].Sequence)

	page, err = store.List(ctx, "r1", 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(4), page[0].Sequence)
	require.Equal(t, int64(5), page[1].Sequence)

	_, err = store.List(ctx, "r1", 0, 0)
	require.Error(t, err)
}

func TestDeleteCreatedBefore(t *testing.T) {
	store := New()
	ctx := context.Background()
	events := []*runlog.Event{
		{Type: "tool_called", Payload: []byte(`{}`)},
		{Type: "tool_output", Payload: []byte(`{}`)},
	}
	require.NoError(t, store.AppendBatch(ctx, "r1", events))
	store.events["r1"][0].CreatedAt = time.Now().UTC().Add(-time.Hour)

	count, err := store.CountCreatedBefore(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, count)

	deleted, err := store.DeleteCreatedBefore(ctx, time.Now().UTC().Add(-time.Minute), 100)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	remaining, err := store.List(ctx, "r1", 0, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, int64(2), remaining[0].Sequence)
}
