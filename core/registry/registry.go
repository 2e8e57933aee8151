// Package registry issues shard-aware identities from a single global
// counter actor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/core/identity"
	"github.com/codewandler/trackr/core/keyed"
	"github.com/codewandler/trackr/ports/kv"
)

const (
	CounterKey = "registry.counter"

	actorKey       = "registry"
	maxCASAttempts = 3
)

type Options struct {
	Context context.Context
	Store   kv.Store
	Policy  identity.ShardPolicy
	// ShardCount is the size of the shard directory at startup.
	ShardCount int
	// InitialCounter seeds the counter when none is persisted yet.
	InitialCounter   uint64
	Directory        Directory
	DirectoryTimeout time.Duration
	Clock            quartz.Clock
	Log              *slog.Logger
	Metrics          Metrics
	ActorMetrics     actor.ActorMetrics
}

// Created is the result of a successful CreateIdentity.
type Created struct {
	Identity string `json:"identity"`
	Counter  uint64 `json:"counter"`
	Shard    int    `json:"shard"`
}

type createIdentity struct{}

type counterDoc struct {
	Counter uint64 `json:"counter"`
}

// Service owns the registry actor. A registry whose init failed is replaced
// on the next call, so a transient store outage does not wedge it.
type Service struct {
	opts   Options
	actors *keyed.Registry[*actor.BaseActor]
}

func New(opts Options) *Service {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Store == nil {
		opts.Store = kv.NewMemStore()
	}
	if opts.Policy == nil {
		opts.Policy = identity.Modulo()
	}
	if opts.DirectoryTimeout <= 0 {
		opts.DirectoryTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	opts.Log = opts.Log.With(slog.String("component", "registry"))

	s := &Service{opts: opts}
	s.actors = keyed.New(keyed.Options[*actor.BaseActor]{
		Factory: func(string) (*actor.BaseActor, error) { return s.newActor(), nil },
		Stripes: 1,
		Clock:   opts.Clock,
		Log:     opts.Log,
	})
	return s
}

func (s *Service) newActor() *actor.BaseActor {
	h := &handler{opts: s.opts, log: s.opts.Log}
	return actor.TypedHandlers(
		actor.Init(h.load),
		actor.HandleRequest[createIdentity, Created](h.create),
	).ToActor(actor.Options{
		ID:      actorKey,
		Context: s.opts.Context,
		Logger:  s.opts.Log,
		Metrics: s.opts.ActorMetrics,
	})
}

// CreateIdentity issues a new identity. It returns ErrPersistenceFailure when
// the counter cannot be persisted.
func (s *Service) CreateIdentity(ctx context.Context) (Created, error) {
	a, err := s.actors.Get(ctx, actorKey)
	if err != nil {
		return Created{}, err
	}
	out, err := actor.Request[createIdentity, Created](ctx, a, createIdentity{})
	if err != nil {
		if errors.Is(err, actor.ErrInitFailed) && !errors.Is(err, ErrPersistenceFailure) {
			err = fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
		}
		s.opts.Metrics.IdentityFailed()
		return Created{}, err
	}
	return *out, nil
}

// Close stops the registry actor, waiting for pending directory writes.
func (s *Service) Close(ctx context.Context) { s.actors.Close(ctx) }

type handler struct {
	opts    Options
	log     *slog.Logger
	counter uint64
	rev     uint64
}

func (h *handler) load(hc actor.HandlerCtx) error {
	if err := h.reload(hc); err != nil {
		return err
	}
	h.log.Info("registry loaded", slog.Uint64("counter", h.counter), slog.String("policy", h.opts.Policy.Name()))
	return nil
}

func (h *handler) reload(ctx context.Context) error {
	doc, rev, err := kv.Get[counterDoc](ctx, h.opts.Store, CounterKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		h.counter, h.rev = h.opts.InitialCounter, 0
		return nil
	case err != nil:
		return fmt.Errorf("%w: load counter: %w", ErrPersistenceFailure, err)
	}
	h.counter, h.rev = doc.Counter, rev
	return nil
}

func (h *handler) create(hc actor.HandlerCtx, _ createIdentity) (*Created, error) {
	var (
		next  uint64
		shard int
	)
	for attempt := 1; ; attempt++ {
		next = h.counter + 1
		shard = h.opts.Policy.ShardFor(next, h.opts.ShardCount)

		putOpts := kv.PutOptions{IfRevision: h.rev, IfAbsent: h.rev == 0}
		rev, err := kv.Put(hc, h.opts.Store, CounterKey, counterDoc{Counter: next}, putOpts)
		if err == nil {
			h.counter, h.rev = next, rev
			break
		}
		if !errors.Is(err, kv.ErrRevisionMismatch) || attempt >= maxCASAttempts {
			h.log.Error("persist counter failed", slog.Uint64("next", next), slog.Int("attempt", attempt), slog.Any("error", err))
			return nil, fmt.Errorf("%w: persist counter: %w", ErrPersistenceFailure, err)
		}

		// another writer advanced the counter
		h.opts.Metrics.CounterConflict()
		if err := h.reload(hc); err != nil {
			return nil, err
		}
	}

	id := identity.New(shard)
	h.opts.Metrics.IdentityCreated(shard)
	h.log.Debug("identity created", slog.String("identity", id.String()), slog.Uint64("counter", next))

	if h.opts.Directory != nil {
		rec := Record{
			Token:      id.Token,
			InternalID: next,
			ShardIndex: shard,
			CreatedAt:  h.opts.Clock.Now().UnixMilli(),
		}
		h.recordAsync(hc, rec, next)
	}

	return &Created{Identity: id.String(), Counter: next, Shard: shard}, nil
}

func (h *handler) recordAsync(hc actor.HandlerCtx, rec Record, total uint64) {
	hc.Schedule(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(hc), h.opts.DirectoryTimeout)
		defer cancel()
		err := h.opts.Directory.RecordIdentity(ctx, rec, total)
		h.opts.Metrics.DirectoryWrite(err == nil)
		if err != nil {
			h.log.Warn("directory write failed", slog.String("token", rec.Token), slog.Any("error", err))
		}
	})
}
