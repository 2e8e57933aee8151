// Package dispatch routes requests to the identity registry or to the
// session actor addressed by an identity string. It holds no routing state
// of its own.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/core/event"
	"github.com/codewandler/trackr/core/keyed"
	"github.com/codewandler/trackr/core/registry"
	"github.com/codewandler/trackr/core/session"
)

type IdentityCreator interface {
	CreateIdentity(ctx context.Context) (registry.Created, error)
}

type Options struct {
	Registry IdentityCreator
	Sessions *keyed.Registry[*session.Handle]
	Log      *slog.Logger
}

type Dispatcher struct {
	registry IdentityCreator
	sessions *keyed.Registry[*session.Handle]
	log      *slog.Logger
}

func New(opts Options) *Dispatcher {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Dispatcher{registry: opts.Registry, sessions: opts.Sessions, log: opts.Log}
}

func (d *Dispatcher) CreateIdentity(ctx context.Context) (registry.Created, error) {
	c, err := d.registry.CreateIdentity(ctx)
	if err != nil {
		if errors.Is(err, registry.ErrPersistenceFailure) {
			return c, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
		}
		return c, err
	}
	return c, nil
}

// maxStaleRetries bounds retries against a handle that was evicted between
// lookup and send.
const maxStaleRetries = 2

func (d *Dispatcher) withSession(ctx context.Context, id string, fn func(*session.Handle) error) error {
	if id == "" {
		return ErrMissingIdentity
	}
	var err error
	for range maxStaleRetries + 1 {
		var h *session.Handle
		h, err = d.sessions.Get(ctx, id)
		if err != nil {
			return err
		}
		err = fn(h)
		if !errors.Is(err, actor.ErrStopped) {
			return err
		}
		d.log.Debug("session stopped while dispatching, retrying", slog.String("identity", id))
	}
	return err
}

func (d *Dispatcher) Bind(ctx context.Context, id string) (status session.BindStatus, err error) {
	err = d.withSession(ctx, id, func(h *session.Handle) error {
		status, err = h.Bind(ctx, id)
		return err
	})
	return
}

func (d *Dispatcher) Connect(ctx context.Context, id string) (res session.ConnectResult, err error) {
	err = d.withSession(ctx, id, func(h *session.Handle) error {
		if _, err := h.Bind(ctx, id); err != nil {
			return err
		}
		res, err = h.Connect(ctx)
		return err
	})
	return
}

func (d *Dispatcher) Disconnect(ctx context.Context, id string) error {
	return d.withSession(ctx, id, func(h *session.Handle) error {
		return h.Disconnect(ctx)
	})
}

// Release undoes a Connect that never opened a stream. The buffer is not
// flushed.
func (d *Dispatcher) Release(ctx context.Context, id string) error {
	return d.withSession(ctx, id, func(h *session.Handle) error {
		return h.Release(ctx)
	})
}

// Track binds id if needed and queues events.
func (d *Dispatcher) Track(ctx context.Context, id string, events []event.Event) (queued int, err error) {
	err = d.withSession(ctx, id, func(h *session.Handle) error {
		if _, err := h.Bind(ctx, id); err != nil {
			return err
		}
		queued, err = h.Ingest(ctx, events)
		return err
	})
	return
}

func (d *Dispatcher) Inspect(ctx context.Context, id string) (snap session.Snapshot, err error) {
	err = d.withSession(ctx, id, func(h *session.Handle) error {
		snap, err = h.Inspect(ctx)
		return err
	})
	return
}

// Stream is one long-lived connection of an identity. It holds a lease on
// the session actor, so the actor is not evicted while the stream is open.
type Stream struct {
	id      string
	handle  *session.Handle
	release func()
}

// OpenStream binds, connects and leases the session actor of id.
func (d *Dispatcher) OpenStream(ctx context.Context, id string) (*Stream, error) {
	if id == "" {
		return nil, ErrMissingIdentity
	}
	h, release, err := d.sessions.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := h.Bind(ctx, id); err != nil {
		release()
		return nil, err
	}
	if _, err := h.Connect(ctx); err != nil {
		release()
		return nil, err
	}
	return &Stream{id: id, handle: h, release: release}, nil
}

func (s *Stream) Identity() string { return s.id }

func (s *Stream) Send(ctx context.Context, events []event.Event) (int, error) {
	return s.handle.Ingest(ctx, events)
}

// Close reports the disconnect and drops the lease.
func (s *Stream) Close(ctx context.Context) error {
	defer s.release()
	return s.handle.Disconnect(ctx)
}
