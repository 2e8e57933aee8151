package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/trackr/core/dispatch"
	"github.com/codewandler/trackr/core/event"
	"github.com/codewandler/trackr/core/identity"
	"github.com/codewandler/trackr/core/keyed"
	"github.com/codewandler/trackr/core/registry"
	"github.com/codewandler/trackr/core/session"
	"github.com/codewandler/trackr/internal/shard"
	"github.com/codewandler/trackr/ports/kv"
	"github.com/codewandler/trackr/ports/sink"
)

type testAPI struct {
	srv   *httptest.Server
	rec   *sink.Recorder
	store *kv.FaultyStore
}

func newTestAPI(t *testing.T, strict bool) *testAPI {
	t.Helper()
	a := &testAPI{rec: sink.NewRecorder(), store: kv.NewFaultyStore(kv.NewMemStore())}
	dir := shard.NewDirectory("https://shardA", "https://shardB")
	sopts := session.Options{
		Context:        t.Context(),
		Store:          a.store,
		Resolver:       dir,
		Sink:           a.rec,
		FlushThreshold: 5,
		StrictConnect:  strict,
	}
	sessions := keyed.New(keyed.Options[*session.Handle]{
		Factory: func(key string) (*session.Handle, error) { return session.Spawn(key, sopts), nil },
	})
	reg := registry.New(registry.Options{Context: t.Context(), Store: a.store, ShardCount: dir.Len()})
	d := dispatch.New(dispatch.Options{Registry: reg, Sessions: sessions})

	a.srv = httptest.NewServer(New(Options{Dispatcher: d}).Handler())
	t.Cleanup(func() {
		a.srv.Close()
		sessions.Close(context.Background())
		reg.Close(context.Background())
	})
	return a
}

func (a *testAPI) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, a.srv.URL+path, rd)
	require.NoError(t, err)
	res, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func (a *testAPI) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/analytics?id=" + id
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, false)
	res, err := a.srv.Client().Get(a.srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "ok", string(body))
}

func TestCreate(t *testing.T) {
	a := newTestAPI(t, false)
	status, body := a.post(t, "/create", nil)
	require.Equal(t, http.StatusOK, status)
	id, ok := body["identity"].(string)
	require.True(t, ok)
	require.Equal(t, id, body["analytics_id"])
	parsed, err := identity.Parse(id)
	require.NoError(t, err)
	require.Equal(t, 1, parsed.Shard)

	a.store.FailPuts(true)
	status, body = a.post(t, "/create", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.NotEmpty(t, body["error"])
}

func TestBind(t *testing.T) {
	a := newTestAPI(t, false)

	status, body := a.post(t, "/bind", map[string]string{"identity": "0.a"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "bound", body["status"])

	status, body = a.post(t, "/bind?id=0.a", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "already-bound", body["status"])

	status, body = a.post(t, "/bind", map[string]string{"analytics_id": "0.b"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "bound", body["status"])

	status, _ = a.post(t, "/bind", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestTrack(t *testing.T) {
	a := newTestAPI(t, false)

	status, body := a.post(t, "/track", map[string]any{
		"identity": "1.abc-123",
		"events":   []map[string]any{{"type": "a"}, {"type": "b", "ts": 5}},
	})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2, body["queued"])

	status, body = a.post(t, "/track", map[string]any{
		"identity": "1.abc-123",
		"events":   []map[string]any{{"type": "c"}, {"payload": 1}},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "malformed")

	status, _ = a.post(t, "/track", `{"identity":`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = a.post(t, "/track", map[string]any{"events": []map[string]any{{"type": "a"}}})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = a.post(t, "/track", map[string]any{"identity": "1.abc-123"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = a.post(t, "/track", map[string]any{
		"identity": "1.abc-123",
		"events":   []map[string]any{{"type": "c"}, {"type": "d"}, {"type": "e"}},
	})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 3, body["queued"])

	batches := a.rec.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, "https://shardB", batches[0].ShardURL)
	require.Len(t, batches[0].Events, 6)
	require.Equal(t, int64(5), batches[0].Events[2].Timestamp)
}

func TestConnect(t *testing.T) {
	a := newTestAPI(t, false)
	status, body := a.post(t, "/connect", map[string]string{"identity": "0.a"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "connected", body["status"])
}

func TestConnect_LeavesBufferAlone(t *testing.T) {
	a := newTestAPI(t, true)
	status, _ := a.post(t, "/track", map[string]any{"identity": "0.a", "events": []event.Event{{Type: "a"}, {Type: "b"}}})
	require.Equal(t, http.StatusOK, status)

	for range 2 {
		status, _ = a.post(t, "/connect", map[string]string{"identity": "0.a"})
		require.Equal(t, http.StatusOK, status, "a handshake does not hold the connection")
	}
	require.Equal(t, 0, a.rec.Calls())

	res, err := a.srv.Client().Get(a.srv.URL + "/inspect?id=0.a")
	require.NoError(t, err)
	defer res.Body.Close()
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	assert.Equal(t, 3, snap.Buffered)
	assert.Equal(t, 0, snap.Connections)
}

func TestStream(t *testing.T) {
	a := newTestAPI(t, false)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, a.wsURL("0.ws"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	send := func(v any) {
		require.NoError(t, wsjson.Write(ctx, conn, v))
	}
	send(map[string]any{"events": []map[string]any{{"type": "a"}, {"type": "b"}}})

	// malformed frames are answered and dropped, the channel stays open
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	var env ErrorResponse
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	assert.Contains(t, env.Error, "malformed")

	send(map[string]any{"events": []map[string]any{{"type": "c"}, {}}})
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	assert.Contains(t, env.Error, "malformed")

	send(map[string]any{"events": []map[string]any{{"type": "c"}}})
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	// close triggers the disconnect flush
	require.Eventually(t, func() bool { return len(a.rec.Batches()) == 1 }, 5*time.Second, 10*time.Millisecond)
	b := a.rec.Batches()[0]
	got := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		got = append(got, e.Type)
	}
	require.Equal(t, []string{event.TypeSessionStart, "a", "b", "c"}, got)
}

func TestStream_MissingID(t *testing.T) {
	a := newTestAPI(t, false)
	res, err := a.srv.Client().Get(a.srv.URL + "/analytics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestStream_StrictConnect(t *testing.T) {
	a := newTestAPI(t, true)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, a.wsURL("0.locked"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, res, err := websocket.Dial(ctx, a.wsURL("0.locked"), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusConflict, res.StatusCode)

	status, _ := a.post(t, "/connect", map[string]string{"identity": "0.locked"})
	require.Equal(t, http.StatusConflict, status)
}
