package dispatch

import (
	"errors"

	"github.com/codewandler/trackr/core/session"
)

// The error taxonomy seen by transports.
var (
	ErrPersistenceFailure = session.ErrPersistenceFailure
	ErrIdentityConflict   = session.ErrIdentityConflict
	ErrUnresolvableShard  = session.ErrUnresolvableShard
	ErrFlushFailure       = session.ErrFlushFailure
	ErrMalformedMessage   = session.ErrMalformedMessage
	ErrAlreadyConnected   = session.ErrAlreadyConnected
	ErrMissingIdentity    = errors.New("missing identity")
)
