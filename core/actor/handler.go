package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type (
	emptyOut struct{}

	// Reply carries the result of a message handler execution.
	Reply struct {
		Result any   // Handler return value (nil for fire-and-forget)
		Error  error // Handler error, if any
	}

	// Envelope wraps a message for delivery to an actor's mailbox.
	Envelope struct {
		Type  string     // Message type name for handler dispatch
		Data  []byte     // JSON-encoded message payload
		Reply chan Reply // Channel for the response; nil when nobody waits
	}

	// RawHandler is the low-level interface for handling actor messages.
	// Most users should use [TypedHandlers] instead of implementing this directly.
	RawHandler interface {
		// InitHandler is called once when the actor starts, before processing messages.
		InitHandler(hc HandlerCtx) error
		// HandleMessage processes a message and returns a response.
		HandleMessage(hc HandlerCtx, mt string, data []byte) (any, error)
	}

	// MsgHandlerFunc is the signature for message handler functions.
	MsgHandlerFunc func(hc HandlerCtx, msg any) (any, error)

	// HandlerInitFunc is called during actor initialization.
	HandlerInitFunc func(hc HandlerCtx) error

	// HandlerRegistrar allows registering message handlers with the actor.
	HandlerRegistrar interface {
		// Register adds a handler for a message type.
		Register(msgType string, f func() any, handle MsgHandlerFunc, init HandlerInitFunc)
	}

	// HandlerRegistration is a function that registers handlers with a registrar.
	// Create these using [HandleMsg], [HandleRequest] and [Init].
	HandlerRegistration func(registrar HandlerRegistrar)
)

func (e Envelope) reply(res any, err error) {
	if e.Reply == nil {
		return
	}
	e.Reply <- Reply{Result: res, Error: err}
}

type registeredHandler struct {
	newMsg func() any
	handle MsgHandlerFunc
}

// TypedHandlerRegistry dispatches incoming messages to the typed handler
// registered for their message type.
type TypedHandlerRegistry struct {
	mu       sync.RWMutex
	inits    []HandlerInitFunc
	handlers map[string]registeredHandler
}

// ToActor creates and starts an actor using this handler registry.
func (t *TypedHandlerRegistry) ToActor(opts Options) *BaseActor {
	return New(opts, t)
}

// Register adds a handler for a message type. This is typically called
// indirectly via [HandleMsg], [HandleRequest] or [Init].
func (t *TypedHandlerRegistry) Register(msgType string, typeFactory func() any, msgHandler MsgHandlerFunc, init HandlerInitFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msgType != "" && msgHandler != nil && typeFactory != nil {
		t.handlers[msgType] = registeredHandler{newMsg: typeFactory, handle: msgHandler}
	}
	if init != nil {
		t.inits = append(t.inits, init)
	}
}

// InitHandler runs all registered init functions in registration order and
// stops at the first failure.
func (t *TypedHandlerRegistry) InitHandler(hc HandlerCtx) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, i := range t.inits {
		if err := i(hc); err != nil {
			return fmt.Errorf("failed to init handler: %w", err)
		}
	}
	return nil
}

// HandleMessage dispatches a message to the registered handler for its type.
func (t *TypedHandlerRegistry) HandleMessage(hc HandlerCtx, mt string, data []byte) (any, error) {
	t.mu.RLock()
	h, ok := t.handlers[mt]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, mt)
	}

	msg := h.newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", mt, err)
	}
	return h.handle(hc, msg)
}

// TypedHandlers creates a new handler registry with the given handlers.
//
// Example:
//
//	registry := actor.TypedHandlers(
//	    actor.HandleMsg[MyCommand](handleMyCommand),
//	    actor.HandleRequest[MyQuery, MyResponse](handleMyQuery),
//	)
//	myActor := registry.ToActor(actor.Options{})
func TypedHandlers(handlers ...HandlerRegistration) *TypedHandlerRegistry {
	th := &TypedHandlerRegistry{
		handlers: make(map[string]registeredHandler),
	}
	for _, h := range handlers {
		h(th)
	}
	return th
}

// Init registers an initialization function called when the actor starts.
// No message is handled until every init function has returned.
func Init(initFunc HandlerInitFunc) HandlerRegistration {
	return func(registrar HandlerRegistrar) {
		registrar.Register("", nil, nil, initFunc)
	}
}

// HandleMsg registers a fire-and-forget message handler for type IN.
func HandleMsg[IN any](msgHandler func(h HandlerCtx, i IN) error) HandlerRegistration {
	return HandleRequest[IN, emptyOut](func(h HandlerCtx, i IN) (*emptyOut, error) {
		return nil, msgHandler(h, i)
	})
}

// HandleRequest registers a request-response handler. The handler receives
// a message of type IN and returns a response of type *OUT.
func HandleRequest[IN any, OUT any](h func(h HandlerCtx, i IN) (*OUT, error)) HandlerRegistration {
	msgType := msgTypeFor[IN]()
	return func(registrar HandlerRegistrar) {
		registrar.Register(
			msgType,
			func() any { return new(IN) },
			func(hc HandlerCtx, msg any) (any, error) {
				i, ok := msg.(*IN)
				if !ok {
					return nil, fmt.Errorf("invalid request message type: %T", msg)
				}
				out, err := h(hc, *i)
				if err != nil {
					return nil, err
				}
				return out, nil
			},
			nil,
		)
	}
}

type requester interface {
	Send(ctx context.Context, msg Envelope) error
}

// Request sends a request to an actor and waits for the response.
// The request is serialized as JSON and dispatched based on the type name of IN.
func Request[IN any, OUT any](ctx context.Context, r requester, i IN) (*OUT, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	res, err := RawRequest(ctx, r, msgTypeFor[IN](), data)
	if err != nil {
		return nil, err
	}
	out, ok := res.(*OUT)
	if !ok {
		return nil, nil
	}
	return out, nil
}

// Publish sends a message to an actor and waits until it has been handled,
// discarding any result.
func Publish[IN any](ctx context.Context, r requester, i IN) error {
	_, err := Request[IN, emptyOut](ctx, r, i)
	return err
}

// RawRequest sends a pre-serialized message to an actor and waits for the response.
// Use [Request] for type-safe messaging.
func RawRequest(ctx context.Context, r requester, msgType string, data []byte) (any, error) {
	replyChan := make(chan Reply, 1)

	err := r.Send(ctx, Envelope{Type: msgType, Data: data, Reply: replyChan})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyChan:
		return reply.Result, reply.Error
	}
}
