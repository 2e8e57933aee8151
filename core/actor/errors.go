package actor

import "errors"

var (
	ErrStopped      = errors.New("actor stopped")
	ErrInitFailed   = errors.New("actor init failed")
	ErrHandlerPanic = errors.New("actor handler panicked")
	ErrNoHandler    = errors.New("no handler for message type")
)
