package registry

import "errors"

var (
	// ErrPersistenceFailure means the counter could not be loaded or written.
	// No identity was issued and the counter did not advance.
	ErrPersistenceFailure = errors.New("registry persistence failure")
)
