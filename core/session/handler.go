package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/core/event"
	"github.com/codewandler/trackr/ports/kv"
)

type handler struct {
	key  string
	opts Options
	log  *slog.Logger
	self actor.HandlerCtx

	identity    string
	sessionID   string
	lastActive  int64 // epoch ms
	buffer      []event.Event
	connections int
	lastWriteTs int64
	// passivated is set by the final flush before eviction. The actor then
	// refuses new work until it is stopped.
	passivated bool

	timer *quartz.Timer
}

func (h *handler) now() int64 { return h.opts.Clock.Now().UnixMilli() }

func (h *handler) timeoutMs() int64 { return h.opts.SessionTimeout.Milliseconds() }

func (h *handler) init(hc actor.HandlerCtx) error {
	h.self = hc
	st, found, err := loadState(hc, h.opts.Store, h.key)
	if err != nil {
		return fmt.Errorf("%w: load state: %w", ErrPersistenceFailure, err)
	}
	if !found {
		return nil
	}

	h.identity = st.Identity
	h.lastActive = st.LastActiveAt
	if st.CurrentSessionID != nil {
		h.sessionID = *st.CurrentSessionID
	}
	h.log.Debug("state loaded", slog.String("identity", h.identity), slog.String("session_id", h.sessionID))

	if h.sessionID == "" {
		return nil
	}
	remaining := time.Duration(h.lastActive+h.timeoutMs()-h.now()) * time.Millisecond
	if remaining <= 0 {
		// expired while nobody was running this actor
		h.closeSession(hc)
		return nil
	}
	h.arm(remaining)
	return nil
}

func (h *handler) bind(hc actor.HandlerCtx, m bindMsg) (*BindResult, error) {
	if h.passivated {
		return nil, actor.ErrStopped
	}
	if m.Identity == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrMalformedMessage)
	}
	switch h.identity {
	case m.Identity:
		return &BindResult{Status: AlreadyBound}, nil
	case "":
	default:
		return nil, fmt.Errorf("%w: bound to %s, got %s", ErrIdentityConflict, h.identity, m.Identity)
	}

	h.identity = m.Identity
	if err := h.checkpoint(hc); err != nil {
		h.identity = ""
		return nil, fmt.Errorf("%w: bind: %w", ErrPersistenceFailure, err)
	}
	h.log.Info("identity bound", slog.String("identity", m.Identity))
	return &BindResult{Status: Bound}, nil
}

func (h *handler) connect(_ actor.HandlerCtx, _ connectMsg) (*ConnectResult, error) {
	if h.passivated {
		return nil, actor.ErrStopped
	}
	if h.opts.StrictConnect && h.connections > 0 {
		return nil, ErrAlreadyConnected
	}
	h.connections++
	return &ConnectResult{Status: "connected", Connections: h.connections}, nil
}

func (h *handler) disconnect(hc actor.HandlerCtx, _ disconnectMsg) error {
	if h.connections > 0 {
		h.connections--
	}
	h.flush(hc, "disconnect")
	h.checkpointBestEffort(hc)
	return nil
}

// release drops a connection that never carried a stream. Unlike
// disconnect it leaves the buffer alone.
func (h *handler) release(_ actor.HandlerCtx, _ releaseMsg) error {
	if h.connections > 0 {
		h.connections--
	}
	return nil
}

func (h *handler) ingest(hc actor.HandlerCtx, m ingestMsg) (*IngestResult, error) {
	if h.passivated {
		return nil, actor.ErrStopped
	}
	if h.identity == "" {
		return nil, ErrNotBound
	}
	if err := event.ValidateAll(m.Events); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if len(m.Events) == 0 {
		return &IngestResult{}, nil
	}

	now := h.now()
	if h.sessionID != "" && now-h.lastActive >= h.timeoutMs() {
		h.log.Debug("stale session, rolling over", slog.String("session_id", h.sessionID))
		h.endSession()
		h.flush(hc, "rollover")
	}

	if h.sessionID == "" {
		h.sessionID = gonanoid.Must()
		h.buffer = append(h.buffer, event.SessionStart(h.sessionID, now))
		h.opts.Metrics.SessionOpened()
	}

	h.lastActive = now
	for _, e := range m.Events {
		h.buffer = append(h.buffer, e.Enrich(h.sessionID, now))
	}
	h.opts.Metrics.EventsIngested(len(m.Events))
	h.arm(h.opts.SessionTimeout)

	if event.CountReal(h.buffer) >= h.opts.FlushThreshold {
		h.flush(hc, "threshold")
	}
	// a restart reads the deadline from the checkpoint
	h.checkpointBestEffort(hc)
	return &IngestResult{Queued: len(m.Events)}, nil
}

func (h *handler) onTimer(hc actor.HandlerCtx, _ timerMsg) error {
	if h.sessionID == "" {
		return nil
	}
	remaining := time.Duration(h.lastActive+h.timeoutMs()-h.now()) * time.Millisecond
	if remaining > 0 {
		// deadline moved since the timer was armed
		h.arm(remaining)
		return nil
	}
	h.closeSession(hc)
	return nil
}

func (h *handler) passivate(hc actor.HandlerCtx, _ passivateMsg) error {
	h.passivated = true
	h.stopTimer()
	h.flush(hc, "passivate")
	h.checkpointBestEffort(hc)
	return nil
}

func (h *handler) inspect(_ actor.HandlerCtx, _ inspectMsg) (*Snapshot, error) {
	return &Snapshot{
		Identity:     h.identity,
		SessionID:    h.sessionID,
		LastActiveAt: h.lastActive,
		Buffered:     len(h.buffer),
		Connections:  h.connections,
	}, nil
}

// endSession buffers the timeout marker and clears the session. The marker
// carries the instant the session expired, not the time it was noticed.
func (h *handler) endSession() {
	h.buffer = append(h.buffer, event.SessionEnd(h.sessionID, h.lastActive+h.timeoutMs(), event.ReasonTimeout))
	h.sessionID = ""
	h.opts.Metrics.SessionClosed(event.ReasonTimeout)
}

func (h *handler) closeSession(hc actor.HandlerCtx) {
	h.log.Debug("session timed out", slog.String("session_id", h.sessionID))
	h.stopTimer()
	h.endSession()
	h.flush(hc, "timeout")
	h.checkpointBestEffort(hc)
}

func (h *handler) arm(d time.Duration) {
	if h.timer == nil {
		h.timer = h.opts.Clock.AfterFunc(d, h.fire, "session", "timeout")
		return
	}
	h.timer.Reset(d, "session", "timeout")
}

func (h *handler) stopTimer() {
	if h.timer != nil {
		h.timer.Stop("session", "timeout")
	}
}

// fire runs on the clock's goroutine and only enqueues; expiry is decided
// on the actor goroutine.
func (h *handler) fire() {
	if err := h.self.Send(h.self, timerMsg{}); err != nil {
		h.log.Debug("timer fire not delivered", slog.Any("error", err))
	}
}

func (h *handler) checkpoint(ctx context.Context) error {
	st := persisted{Identity: h.identity, LastActiveAt: h.lastActive}
	if h.sessionID != "" {
		sid := h.sessionID
		st.CurrentSessionID = &sid
	}
	_, err := kv.Put(ctx, h.opts.Store, StateKey(h.key), st, kv.PutOptions{})
	return err
}

func (h *handler) checkpointBestEffort(ctx context.Context) {
	if err := h.checkpoint(ctx); err != nil {
		h.opts.Metrics.CheckpointFailed()
		h.log.Warn("checkpoint failed", slog.Any("error", err))
	}
}
