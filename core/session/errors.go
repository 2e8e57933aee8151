package session

import "errors"

var (
	// ErrPersistenceFailure means a required durable write or the initial
	// state load did not succeed.
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrIdentityConflict   = errors.New("identity conflict")
	ErrUnresolvableShard  = errors.New("unresolvable shard")
	ErrFlushFailure       = errors.New("flush failure")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrNotBound           = errors.New("session not bound to an identity")
)
