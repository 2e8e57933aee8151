package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/trackr/core/event"
)

func TestMux(t *testing.T) {
	https := NewRecorder()
	fs := NewRecorder()
	m := NewMux().Handle("https", https).Handle("FIRESTORE", fs)

	require.NoError(t, m.Write(t.Context(), Batch{ShardURL: "https://a", Identity: "0.x"}))
	require.NoError(t, m.Write(t.Context(), Batch{ShardURL: "firestore://p/c", Identity: "1.y"}))
	require.ErrorIs(t, m.Write(t.Context(), Batch{ShardURL: "ftp://nope"}), ErrNoWriter)

	require.Len(t, https.Batches(), 1)
	require.Len(t, fs.Batches(), 1)
	require.Equal(t, "1.y", fs.Batches()[0].Identity)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	events := []event.Event{{Type: "a"}}
	require.NoError(t, r.Write(t.Context(), Batch{Events: events}))
	events[0].Type = "mutated"
	require.Equal(t, "a", r.Batches()[0].Events[0].Type)

	boom := errors.New("boom")
	r.Fail(boom)
	require.ErrorIs(t, r.Write(t.Context(), Batch{}), boom)
	require.Equal(t, 2, r.Calls())
	require.Len(t, r.Batches(), 1)

	r.Fail(nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, r.Write(ctx, Batch{}), context.Canceled)
}
