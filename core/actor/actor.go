package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	OnPanic func(recovered any, stack []byte, msgType string)

	Actor interface {
		Send(ctx context.Context, msg Envelope) error
		Stop()
		Done() <-chan struct{}
		Err() error
	}
)

type Options struct {
	// ID labels the actor in logs and metrics. Generated when empty.
	ID          string
	MailboxSize int
	Context     context.Context
	Logger      *slog.Logger
	OnPanic     OnPanic
	Metrics     ActorMetrics
	// MaxConcurrentTasks caps the number of tasks run via HandlerCtx.Schedule.
	// If 0 or negative, 32 is used.
	MaxConcurrentTasks int
}

type BaseActor struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mailbox chan Envelope

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// mu guards closed and initErr. Send holds the read lock while enqueuing,
	// so once shutdown has taken the write lock no envelope can slip into the
	// mailbox unanswered.
	mu      sync.RWMutex
	closed  bool
	initErr error

	onPanic OnPanic
	metrics ActorMetrics
	sched   Scheduler
}

// New starts an actor. The handler's init functions run on the actor's
// goroutine before the first message is processed; messages sent meanwhile
// wait in the mailbox.
func New(opt Options, handler RawHandler) *BaseActor {
	if opt.ID == "" {
		opt.ID = "actor-" + gonanoid.Must(8)
	}
	if opt.MailboxSize <= 0 {
		opt.MailboxSize = 1024
	}
	if opt.Context == nil {
		opt.Context = context.Background()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Metrics == nil {
		opt.Metrics = NopActorMetrics()
	}
	if opt.MaxConcurrentTasks <= 0 {
		opt.MaxConcurrentTasks = 32
	}
	if opt.OnPanic == nil {
		log := opt.Logger
		opt.OnPanic = func(recovered any, stack []byte, msgType string) {
			log.Error("actor panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)), slog.String("msg_type", msgType))
		}
	}

	ctx, cancel := context.WithCancel(opt.Context)

	a := &BaseActor{
		id:      opt.ID,
		ctx:     ctx,
		cancel:  cancel,
		log:     opt.Logger,
		mailbox: make(chan Envelope, opt.MailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onPanic: opt.OnPanic,
		metrics: opt.Metrics,
		sched:   NewSchedulerWithMetrics(opt.MaxConcurrentTasks, ctx, opt.ID, opt.Metrics),
	}

	hc := &handlerCtx{
		Context: ctx,
		log:     opt.Logger,
		sched:   a.sched,
		send: func(ctx context.Context, msg any) error {
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			return a.Send(ctx, Envelope{Type: msgTypeOf(msg), Data: data})
		},
	}

	go a.loop(hc, handler)
	return a
}

// ID returns the actor id used in logs and metrics.
func (a *BaseActor) ID() string { return a.id }

// Done is closed when the actor stops.
func (a *BaseActor) Done() <-chan struct{} { return a.done }

// Err returns the init error, if the handler failed to initialize.
// A failed actor keeps answering every message with this error until stopped.
func (a *BaseActor) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initErr
}

// Stop requests shutdown and waits for completion. Envelopes still queued
// are answered with ErrStopped.
func (a *BaseActor) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// Send enqueues an envelope (blocking until enqueued, ctx canceled, or actor stopped).
func (a *BaseActor) Send(ctx context.Context, e Envelope) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return a.stoppedErrLocked()
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("send failed: %w", ctx.Err())
	case <-a.stop:
		return a.stoppedErrLocked()
	case a.mailbox <- e:
		a.metrics.MailboxDepth(a.id, len(a.mailbox))
		return nil
	}
}

func (a *BaseActor) stoppedErrLocked() error {
	if a.initErr != nil {
		return a.initErr
	}
	return ErrStopped
}

func (a *BaseActor) loop(hc *handlerCtx, h RawHandler) {
	defer a.shutdown()

	if err := a.safeInit(hc, h); err != nil {
		a.log.Error("actor init failed", slog.Any("error", err))
		a.mu.Lock()
		a.initErr = fmt.Errorf("%w: %w", ErrInitFailed, err)
		a.mu.Unlock()
	}
	initErr := a.Err()

	for {
		select {
		case <-a.stop:
			return
		case <-a.ctx.Done():
			return
		case msg := <-a.mailbox:
			a.metrics.MailboxDepth(a.id, len(a.mailbox))
			if initErr != nil {
				msg.reply(nil, initErr)
				continue
			}
			res, err := a.handle(hc, h, msg)
			msg.reply(res, err)
		}
	}
}

func (a *BaseActor) safeInit(hc HandlerCtx, h RawHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.onPanic(r, debug.Stack(), "init")
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.InitHandler(hc)
}

func (a *BaseActor) handle(hc HandlerCtx, h RawHandler, msg Envelope) (res any, err error) {
	defer a.metrics.MessageDuration(msg.Type).ObserveDuration()
	defer func() {
		if r := recover(); r != nil {
			a.onPanic(r, debug.Stack(), msg.Type)
			a.metrics.MessagePanic(msg.Type)
			res, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		a.metrics.MessageProcessed(msg.Type, err == nil)
	}()
	return h.HandleMessage(hc, msg.Type, msg.Data)
}

func (a *BaseActor) shutdown() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.mu.Lock()
	a.closed = true
	err := a.stoppedErrLocked()
	a.mu.Unlock()

	a.sched.Wait()
	a.cancel()

	for {
		select {
		case msg := <-a.mailbox:
			msg.reply(nil, err)
		default:
			close(a.done)
			return
		}
	}
}

var _ Actor = (*BaseActor)(nil)
