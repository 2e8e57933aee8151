// Package session implements the per-identity session actor.
//
// Each actor owns the event buffer of one identity, runs the session
// lifecycle (NoSession, SessionOpen) driven by traffic and a sliding
// inactivity timeout, and flushes batches to the shard encoded in the
// identity. All state changes happen on the actor goroutine.
package session

import (
	"context"
	"log/slog"

	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/core/event"
)

type BindStatus string

const (
	Bound        BindStatus = "bound"
	AlreadyBound BindStatus = "already-bound"
)

type (
	bindMsg struct {
		Identity string `json:"identity"`
	}
	BindResult struct {
		Status BindStatus `json:"status"`
	}

	connectMsg    struct{}
	ConnectResult struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}

	ingestMsg struct {
		Events []event.Event `json:"events"`
	}
	IngestResult struct {
		Queued int `json:"queued"`
	}

	disconnectMsg struct{}
	releaseMsg    struct{}
	timerMsg      struct{}
	passivateMsg  struct{}
	inspectMsg    struct{}

	// Snapshot is a point-in-time view of an actor, for diagnostics.
	Snapshot struct {
		Identity     string `json:"identity"`
		SessionID    string `json:"session_id,omitempty"`
		LastActiveAt int64  `json:"last_active_at"`
		Buffered     int    `json:"buffered"`
		Connections  int    `json:"connections"`
	}
)

// Handle is the session actor of one dispatch key.
type Handle struct {
	*actor.BaseActor
	h *handler
}

// Spawn starts the actor for key. The persisted state is loaded before the
// first message is handled.
func Spawn(key string, opts Options) *Handle {
	opts = opts.withDefaults()
	log := opts.Log.With(slog.String("session", key))
	h := &handler{key: key, opts: opts, log: log}

	a := actor.TypedHandlers(
		actor.Init(h.init),
		actor.HandleRequest[bindMsg, BindResult](h.bind),
		actor.HandleRequest[connectMsg, ConnectResult](h.connect),
		actor.HandleRequest[ingestMsg, IngestResult](h.ingest),
		actor.HandleMsg[disconnectMsg](h.disconnect),
		actor.HandleMsg[releaseMsg](h.release),
		actor.HandleMsg[timerMsg](h.onTimer),
		actor.HandleMsg[passivateMsg](h.passivate),
		actor.HandleRequest[inspectMsg, Snapshot](h.inspect),
	).ToActor(actor.Options{
		ID:          "session-" + key,
		Context:     opts.Context,
		Logger:      log,
		MailboxSize: opts.MailboxSize,
		Metrics:     opts.ActorMetrics,
	})
	return &Handle{BaseActor: a, h: h}
}

func (s *Handle) Key() string { return s.h.key }

func (s *Handle) Bind(ctx context.Context, identity string) (BindStatus, error) {
	res, err := actor.Request[bindMsg, BindResult](ctx, s, bindMsg{Identity: identity})
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (s *Handle) Connect(ctx context.Context) (ConnectResult, error) {
	res, err := actor.Request[connectMsg, ConnectResult](ctx, s, connectMsg{})
	if err != nil {
		return ConnectResult{}, err
	}
	return *res, nil
}

// Ingest queues events and returns how many were accepted. A batch with an
// invalid event is rejected as a whole with ErrMalformedMessage.
func (s *Handle) Ingest(ctx context.Context, events []event.Event) (int, error) {
	res, err := actor.Request[ingestMsg, IngestResult](ctx, s, ingestMsg{Events: events})
	if err != nil {
		return 0, err
	}
	return res.Queued, nil
}

// Disconnect flushes the buffer. The session stays open.
func (s *Handle) Disconnect(ctx context.Context) error {
	return actor.Publish(ctx, s, disconnectMsg{})
}

// Release drops a connection without flushing.
func (s *Handle) Release(ctx context.Context) error {
	return actor.Publish(ctx, s, releaseMsg{})
}

// OnTimer evaluates session expiry now. Fires of the internal timer take the
// same path.
func (s *Handle) OnTimer(ctx context.Context) error {
	return actor.Publish(ctx, s, timerMsg{})
}

// Passivate flushes and checkpoints ahead of eviction.
func (s *Handle) Passivate(ctx context.Context) error {
	return actor.Publish(ctx, s, passivateMsg{})
}

func (s *Handle) Inspect(ctx context.Context) (Snapshot, error) {
	res, err := actor.Request[inspectMsg, Snapshot](ctx, s, inspectMsg{})
	if err != nil {
		return Snapshot{}, err
	}
	return *res, nil
}

// Stop stops the actor and its timer.
func (s *Handle) Stop() {
	s.BaseActor.Stop()
	s.h.stopTimer()
}
