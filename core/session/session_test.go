package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/core/event"
	"github.com/codewandler/trackr/internal/shard"
	"github.com/codewandler/trackr/ports/kv"
	"github.com/codewandler/trackr/ports/sink"
)

const testTimeout = 30 * time.Minute

type fixture struct {
	clock *quartz.Mock
	store *kv.FaultyStore
	mem   *kv.MemStore
	rec   *sink.Recorder
	opts  Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := kv.NewMemStore()
	f := &fixture{
		clock: quartz.NewMock(t),
		mem:   mem,
		store: kv.NewFaultyStore(mem),
		rec:   sink.NewRecorder(),
	}
	f.opts = Options{
		Context:        t.Context(),
		Store:          f.store,
		Resolver:       shard.NewDirectory("https://shardA", "https://shardB"),
		Sink:           f.rec,
		Clock:          f.clock,
		SessionTimeout: testTimeout,
		FlushThreshold: 5,
	}
	return f
}

func (f *fixture) spawn(t *testing.T, key string) *Handle {
	t.Helper()
	h := Spawn(key, f.opts)
	t.Cleanup(h.Stop)
	return h
}

func (f *fixture) bound(t *testing.T, key string) *Handle {
	t.Helper()
	h := f.spawn(t, key)
	status, err := h.Bind(t.Context(), key)
	require.NoError(t, err)
	require.Equal(t, Bound, status)
	return h
}

func (f *fixture) seed(t *testing.T, key string, st persisted) {
	t.Helper()
	_, err := kv.Put(t.Context(), f.mem, StateKey(key), st, kv.PutOptions{})
	require.NoError(t, err)
}

func evs(types ...string) []event.Event {
	out := make([]event.Event, len(types))
	for i, typ := range types {
		out[i] = event.Event{Type: typ}
	}
	return out
}

func types(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestBind(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "1.abc-123")

	status, err := h.Bind(t.Context(), "1.abc-123")
	require.NoError(t, err)
	require.Equal(t, AlreadyBound, status)

	for _, other := range []string{"0.other", "1.abc-124"} {
		_, err = h.Bind(t.Context(), other)
		require.ErrorIs(t, err, ErrIdentityConflict)
	}

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, "1.abc-123", snap.Identity)

	_, err = h.Bind(t.Context(), "")
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestBind_PersistFailure(t *testing.T) {
	f := newFixture(t)
	h := f.spawn(t, "0.a")

	f.store.FailPuts(true)
	_, err := h.Bind(t.Context(), "0.a")
	require.ErrorIs(t, err, ErrPersistenceFailure)

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Empty(t, snap.Identity)

	f.store.FailPuts(false)
	status, err := h.Bind(t.Context(), "0.a")
	require.NoError(t, err)
	require.Equal(t, Bound, status)
}

func TestInit_LoadFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailGets(true)
	h := f.spawn(t, "0.a")

	_, err := h.Bind(t.Context(), "0.a")
	require.ErrorIs(t, err, ErrPersistenceFailure)
	_, err = h.Ingest(t.Context(), evs("a"))
	require.ErrorIs(t, err, ErrPersistenceFailure)
	require.Error(t, h.Err())
}

func TestIngest_RequiresBind(t *testing.T) {
	f := newFixture(t)
	h := f.spawn(t, "0.a")
	_, err := h.Ingest(t.Context(), evs("a"))
	require.ErrorIs(t, err, ErrNotBound)
}

func TestIngest_ThresholdScenario(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "1.abc-123")

	n, err := h.Ingest(t.Context(), evs("a", "b", "c", "d"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Empty(t, f.rec.Batches())

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 5, snap.Buffered) // 4 + session_start
	require.NotEmpty(t, snap.SessionID)

	n, err = h.Ingest(t.Context(), evs("e"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batches := f.rec.Batches()
	require.Len(t, batches, 1)
	b := batches[0]
	require.Equal(t, "https://shardB", b.ShardURL)
	require.Equal(t, "1.abc-123", b.Identity)
	require.Equal(t, []string{event.TypeSessionStart, "a", "b", "c", "d", "e"}, types(b.Events))
	for _, e := range b.Events {
		require.Equal(t, snap.SessionID, e.SessionID)
		require.Equal(t, f.clock.Now().UnixMilli(), e.Timestamp)
	}

	snap, err = h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Buffered)
}

func TestIngest_KeepsClientFields(t *testing.T) {
	f := newFixture(t)
	f.opts.FlushThreshold = 1
	h := f.bound(t, "0.a")

	_, err := h.Ingest(t.Context(), []event.Event{{Type: "a", Timestamp: 42, SessionID: "client", Payload: json.RawMessage(`{"k":"v"}`)}})
	require.NoError(t, err)

	b := f.rec.Batches()[0]
	require.Len(t, b.Events, 2)
	got := b.Events[1]
	require.Equal(t, int64(42), got.Timestamp)
	require.Equal(t, "client", got.SessionID)
	require.JSONEq(t, `{"k":"v"}`, string(got.Payload))
}

func TestIngest_MalformedBatchRejected(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")

	_, err := h.Ingest(t.Context(), []event.Event{{Type: "a"}, {}})
	require.ErrorIs(t, err, ErrMalformedMessage)

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Buffered)
	require.Empty(t, snap.SessionID)

	// the actor keeps working
	n, err := h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIngest_OrderAndDistinctTimestamps(t *testing.T) {
	f := newFixture(t)
	f.opts.FlushThreshold = 1
	h := f.bound(t, "0.a")

	for _, typ := range []string{"a", "b", "c", "d"} {
		_, err := h.Ingest(t.Context(), evs(typ))
		require.NoError(t, err)
	}

	batches := f.rec.Batches()
	require.Len(t, batches, 4)
	var got []string
	for i, b := range batches {
		got = append(got, types(b.Events)...)
		if i > 0 {
			require.Greater(t, b.Timestamp, batches[i-1].Timestamp)
		}
	}
	require.Equal(t, []string{event.TypeSessionStart, "a", "b", "c", "d"}, got)
}

func TestTimer_ClosesSession(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")
	start := f.clock.Now()

	_, err := h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)
	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	sid := snap.SessionID

	f.clock.Advance(testTimeout).MustWait(t.Context())

	snap, err = h.Inspect(t.Context())
	require.NoError(t, err)
	require.Empty(t, snap.SessionID)
	require.Equal(t, 0, snap.Buffered)

	batches := f.rec.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, []string{event.TypeSessionStart, "a", event.TypeSessionEnd}, types(batches[0].Events))
	end := batches[0].Events[2]
	require.Equal(t, sid, end.SessionID)
	require.Equal(t, start.Add(testTimeout).UnixMilli(), end.Timestamp)
	require.JSONEq(t, `{"reason":"timeout"}`, string(end.Payload))

	st, _, err := kv.Get[persisted](t.Context(), f.mem, StateKey("0.a"))
	require.NoError(t, err)
	require.Nil(t, st.CurrentSessionID)
	require.Equal(t, "0.a", st.Identity)
}

func TestTimer_StaleFireIsNoop(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")

	_, err := h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)

	// activity 10 minutes later moves the deadline to t+40m
	f.clock.Advance(10 * time.Minute).MustWait(t.Context())
	_, err = h.Ingest(t.Context(), evs("b"))
	require.NoError(t, err)

	// the original deadline passes
	f.clock.Advance(20 * time.Minute).MustWait(t.Context())
	require.NoError(t, h.OnTimer(t.Context()))

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, snap.SessionID)
	require.Equal(t, 3, snap.Buffered)
	require.Empty(t, f.rec.Batches())

	f.clock.Advance(10 * time.Minute).MustWait(t.Context())
	snap, err = h.Inspect(t.Context())
	require.NoError(t, err)
	require.Empty(t, snap.SessionID)
	require.Equal(t, []string{event.TypeSessionStart, "a", "b", event.TypeSessionEnd}, types(f.rec.Batches()[0].Events))
}

func TestTimer_NoSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")
	require.NoError(t, h.OnTimer(t.Context()))
	require.Empty(t, f.rec.Batches())
}

func TestInit_RearmsOpenSession(t *testing.T) {
	f := newFixture(t)
	sid := "restored"
	lastActive := f.clock.Now().Add(-10 * time.Minute).UnixMilli()
	f.seed(t, "0.a", persisted{Identity: "0.a", CurrentSessionID: &sid, LastActiveAt: lastActive})

	h := f.spawn(t, "0.a")
	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, "0.a", snap.Identity)
	require.Equal(t, sid, snap.SessionID)

	f.clock.Advance(20 * time.Minute).MustWait(t.Context())
	snap, err = h.Inspect(t.Context())
	require.NoError(t, err)
	require.Empty(t, snap.SessionID)

	batches := f.rec.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 1)
	end := batches[0].Events[0]
	require.Equal(t, event.TypeSessionEnd, end.Type)
	require.Equal(t, sid, end.SessionID)
	require.Equal(t, lastActive+testTimeout.Milliseconds(), end.Timestamp)
}

func TestInit_ClosesExpiredSession(t *testing.T) {
	f := newFixture(t)
	sid := "old"
	f.seed(t, "0.a", persisted{Identity: "0.a", CurrentSessionID: &sid, LastActiveAt: f.clock.Now().Add(-time.Hour).UnixMilli()})

	h := f.spawn(t, "0.a")
	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Empty(t, snap.SessionID)
	require.Equal(t, []string{event.TypeSessionEnd}, types(f.rec.Batches()[0].Events))

	// next ingest opens a fresh session
	_, err = h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)
	snap, err = h.Inspect(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, snap.SessionID)
	require.NotEqual(t, sid, snap.SessionID)
}

func TestRestart_KeepsSession(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")
	_, err := h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)
	before, err := h.Inspect(t.Context())
	require.NoError(t, err)
	h.Stop()

	h2 := f.spawn(t, "0.a")
	after, err := h2.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, before.Identity, after.Identity)
	require.Equal(t, before.SessionID, after.SessionID)
	require.Equal(t, before.LastActiveAt, after.LastActiveAt)
	require.Equal(t, 0, after.Buffered)

	status, err := h2.Bind(t.Context(), "0.a")
	require.NoError(t, err)
	require.Equal(t, AlreadyBound, status)
}

func TestRestart_KeepsLatestActivity(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")
	_, err := h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute).MustWait(t.Context())
	_, err = h.Ingest(t.Context(), evs("b"))
	require.NoError(t, err)
	before, err := h.Inspect(t.Context())
	require.NoError(t, err)
	// crash: no passivate, the buffer is lost but the state is not
	h.Stop()

	f.clock.Advance(15 * time.Minute).MustWait(t.Context())
	h2 := f.spawn(t, "0.a")
	after, err := h2.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, before.SessionID, after.SessionID)
	require.Equal(t, before.LastActiveAt, after.LastActiveAt)
	require.Empty(t, f.rec.Batches(), "an active session is not closed on restart")
}

func TestRelease_KeepsBuffer(t *testing.T) {
	f := newFixture(t)
	f.opts.StrictConnect = true
	h := f.bound(t, "0.a")

	_, err := h.Connect(t.Context())
	require.NoError(t, err)
	_, err = h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)
	require.NoError(t, h.Release(t.Context()))

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Connections)
	require.Equal(t, 2, snap.Buffered)
	require.Equal(t, 0, f.rec.Calls())

	_, err = h.Connect(t.Context())
	require.NoError(t, err)
}

func TestDisconnect_FlushesKeepsSession(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")

	res, err := h.Connect(t.Context())
	require.NoError(t, err)
	require.Equal(t, "connected", res.Status)

	_, err = h.Ingest(t.Context(), evs("a", "b"))
	require.NoError(t, err)
	require.NoError(t, h.Disconnect(t.Context()))

	require.Len(t, f.rec.Batches(), 1)
	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, snap.SessionID)
	require.Equal(t, 0, snap.Connections)

	// empty buffer: nothing to write
	require.NoError(t, h.Disconnect(t.Context()))
	require.Len(t, f.rec.Batches(), 1)
}

func TestConnect_Strict(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")
	_, err := h.Connect(t.Context())
	require.NoError(t, err)
	res, err := h.Connect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, res.Connections)

	f.opts.StrictConnect = true
	s := f.bound(t, "0.b")
	_, err = s.Connect(t.Context())
	require.NoError(t, err)
	_, err = s.Connect(t.Context())
	require.ErrorIs(t, err, ErrAlreadyConnected)
	require.NoError(t, s.Disconnect(t.Context()))
	_, err = s.Connect(t.Context())
	require.NoError(t, err)
}

func TestFlush_UnresolvableShardKeepsBuffer(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "7.out-of-range")

	_, err := h.Ingest(t.Context(), evs("a", "b", "c", "d", "e"))
	require.NoError(t, err)
	require.Equal(t, 0, f.rec.Calls())

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 6, snap.Buffered)
}

func TestFlush_DropPolicy(t *testing.T) {
	f := newFixture(t)
	f.rec.Fail(errors.New("shard down"))
	h := f.bound(t, "0.a")

	_, err := h.Ingest(t.Context(), evs("a", "b", "c", "d", "e"))
	require.NoError(t, err, "flush errors never reach the ingest caller")
	require.Equal(t, 1, f.rec.Calls())

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Buffered)
	require.Empty(t, f.mem.Keys("deadletter."))
}

func TestFlush_RetryPolicy(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.opts.Sink = sink.WriterFunc(func(ctx context.Context, b sink.Batch) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return f.rec.Write(ctx, b)
	})
	f.opts.FailurePolicy = RetryThenDeadLetter
	f.opts.FlushRetries = 3
	f.opts.RetryInitialDelay = time.Millisecond
	h := f.bound(t, "0.a")

	_, err := h.Ingest(t.Context(), evs("a", "b", "c", "d", "e"))
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, f.rec.Batches(), 1)
	require.Empty(t, f.mem.Keys("deadletter."))
}

func TestFlush_RetryExhaustedDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.rec.Fail(errors.New("shard down"))
	f.opts.FailurePolicy = RetryThenDeadLetter
	f.opts.FlushRetries = 2
	f.opts.RetryInitialDelay = time.Millisecond
	h := f.bound(t, "0.a")

	_, err := h.Ingest(t.Context(), evs("a", "b", "c", "d", "e"))
	require.NoError(t, err)
	require.Equal(t, 3, f.rec.Calls())

	keys := f.mem.Keys("deadletter.0_a.")
	require.Len(t, keys, 1)
	dl, _, err := kv.Get[deadLetter](t.Context(), f.mem, keys[0])
	require.NoError(t, err)
	assert.Equal(t, "0.a", dl.Identity)
	assert.Equal(t, "https://shardA", dl.ShardURL)
	assert.Contains(t, dl.Error, "shard down")
	assert.Equal(t, []string{event.TypeSessionStart, "a", "b", "c", "d", "e"}, types(dl.Events))
	assert.Equal(t, DeadLetterKey("0.a", dl.Timestamp), keys[0])
}

func TestPassivate(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")
	_, err := h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)

	require.NoError(t, h.Passivate(t.Context()))
	require.Len(t, f.rec.Batches(), 1)

	st, _, err := kv.Get[persisted](t.Context(), f.mem, StateKey("0.a"))
	require.NoError(t, err)
	require.NotNil(t, st.CurrentSessionID)
}

func TestPassivate_RefusesLaterWork(t *testing.T) {
	f := newFixture(t)
	h := f.bound(t, "0.a")
	_, err := h.Ingest(t.Context(), evs("a"))
	require.NoError(t, err)
	require.NoError(t, h.Passivate(t.Context()))

	_, err = h.Ingest(t.Context(), evs("b"))
	require.ErrorIs(t, err, actor.ErrStopped)
	_, err = h.Bind(t.Context(), "0.a")
	require.ErrorIs(t, err, actor.ErrStopped)
	_, err = h.Connect(t.Context())
	require.ErrorIs(t, err, actor.ErrStopped)

	snap, err := h.Inspect(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Buffered)
	require.Len(t, f.rec.Batches(), 1)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	require.Equal(t, DropOnFailure, p)
	p, err = ParseFailurePolicy("RETRY")
	require.NoError(t, err)
	require.Equal(t, RetryThenDeadLetter, p)
	_, err = ParseFailurePolicy("forever")
	require.Error(t, err)
}
