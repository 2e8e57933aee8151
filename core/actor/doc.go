// Package actor provides a mailbox-based actor runtime.
//
// Each actor owns one goroutine that processes messages from its mailbox
// strictly one at a time, so handler code can mutate actor state without
// locks. Actors for different keys run fully in parallel.
//
// # Handlers
//
// Messages are dispatched by type name to typed handlers:
//
//	a := actor.TypedHandlers(
//	    actor.Init(func(hc actor.HandlerCtx) error {
//	        return loadState(hc)
//	    }),
//	    actor.HandleMsg[Touch](func(hc actor.HandlerCtx, m Touch) error {
//	        return nil
//	    }),
//	    actor.HandleRequest[GetState, State](func(hc actor.HandlerCtx, q GetState) (*State, error) {
//	        return &State{}, nil
//	    }),
//	).ToActor(actor.Options{})
//
// A type may override its routing name by implementing MsgType() string.
//
// # Init barrier
//
// Init functions run on the actor goroutine before any message is handled.
// Requests sent during init queue behind it instead of failing. If init
// fails, every message is answered with an error wrapping [ErrInitFailed]
// until the actor is stopped; [BaseActor.Err] reports the failure so owners
// can replace the actor.
//
// # Sending
//
// [Request] waits for the typed response, [Publish] waits for completion and
// drops the result. [HandlerCtx.Send] enqueues a message into the actor's own
// mailbox without waiting, which is how timers feed events back into the
// actor.
//
// # Background tasks
//
// [HandlerCtx.Schedule] runs work outside the mailbox on a bounded
// scheduler. Stop waits for scheduled tasks to finish.
package actor
