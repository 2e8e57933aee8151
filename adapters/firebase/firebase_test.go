package firebase

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/trackr/core/event"
	"github.com/codewandler/trackr/core/registry"
	"github.com/codewandler/trackr/ports/sink"
)

type captured struct {
	method string
	path   string
	query  string
	ctype  string
	body   string
}

func newServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, captured{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			ctype:  r.Header.Get("Content-Type"),
			body:   string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), reqs...)
	}
}

func TestWriter(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK)
	w := NewWriter(Options{Client: srv.Client(), Auth: "s3cret"})

	err := w.Write(t.Context(), sink.Batch{
		Identity:  "1.abc-123",
		ShardURL:  srv.URL + "/",
		Timestamp: 1700000000123,
		Events: []event.Event{
			event.SessionStart("s1", 1),
			{Type: "click", Timestamp: 2, SessionID: "s1"},
		},
	})
	require.NoError(t, err)

	got := reqs()
	require.Len(t, got, 1)
	require.Equal(t, http.MethodPut, got[0].method)
	require.Equal(t, "/events/1_abc-123/1700000000123.json", got[0].path)
	require.Equal(t, "auth=s3cret", got[0].query)
	require.Equal(t, "application/json", got[0].ctype)
	require.JSONEq(t, `[
		{"type":"session_start","timestamp":1,"session_id":"s1"},
		{"type":"click","timestamp":2,"session_id":"s1"}
	]`, got[0].body)
}

func TestWriter_ErrorStatus(t *testing.T) {
	srv, _ := newServer(t, http.StatusUnauthorized)
	w := NewWriter(Options{Client: srv.Client(), Auth: "s3cret"})

	err := w.Write(t.Context(), sink.Batch{Identity: "0.a", ShardURL: srv.URL, Timestamp: 1})
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "401")
	require.NotContains(t, err.Error(), "s3cret")
}

func TestDirectory(t *testing.T) {
	srv, reqs := newServer(t, http.StatusOK)
	d := NewDirectory(srv.URL, Options{Client: srv.Client()})

	err := d.RecordIdentity(t.Context(), registry.Record{
		Token:      "550e8400-e29b-41d4-a716-446655440000",
		InternalID: 7,
		ShardIndex: 1,
		CreatedAt:  1234,
	}, 7)
	require.NoError(t, err)

	got := reqs()
	require.Len(t, got, 2)
	require.Equal(t, http.MethodPut, got[0].method)
	require.Equal(t, "/identity_map/550e8400-e29b-41d4-a716-446655440000.json", got[0].path)
	require.Empty(t, got[0].query)
	require.JSONEq(t, `{"internal_id":7,"shard_index":1,"created_at":1234}`, got[0].body)

	require.Equal(t, http.MethodPatch, got[1].method)
	require.Equal(t, "/system_stats.json", got[1].path)
	require.JSONEq(t, `{"total_users":7}`, got[1].body)
}

func TestDirectory_Error(t *testing.T) {
	srv, reqs := newServer(t, http.StatusInternalServerError)
	d := NewDirectory(srv.URL, Options{Client: srv.Client()})
	err := d.RecordIdentity(t.Context(), registry.Record{Token: "t"}, 1)
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Len(t, reqs(), 1)
}
