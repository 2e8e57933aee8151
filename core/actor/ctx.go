package actor

import (
	"context"
	"log/slog"
)

type (
	HandlerCtx interface {
		context.Context
		Log() *slog.Logger
		// Schedule runs f outside the mailbox on the actor's bounded scheduler.
		Schedule(f func())
		// Send enqueues msg into the actor's own mailbox without waiting for
		// it to be handled. Must not be called from a handler while the
		// mailbox may be full.
		Send(ctx context.Context, msg any) error
	}
)

type handlerCtx struct {
	context.Context
	log   *slog.Logger
	send  func(ctx context.Context, msg any) error
	sched Scheduler
}

func (hc *handlerCtx) Schedule(f func()) {
	hc.sched.Schedule(f)
}

func (hc *handlerCtx) Log() *slog.Logger                       { return hc.log }
func (hc *handlerCtx) Send(ctx context.Context, msg any) error { return hc.send(ctx, msg) }

var _ HandlerCtx = (*handlerCtx)(nil)
