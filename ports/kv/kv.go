// Package kv is the durable key-value port used for actor state.
//
// Writes are optionally conditional on the current revision, which lets a
// single-writer actor detect that someone else advanced a key behind it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

type Entry struct {
	Data     []byte
	Revision uint64
}

// PutOptions make a write conditional. The zero value writes unconditionally.
type PutOptions struct {
	// IfAbsent fails with ErrRevisionMismatch when the key already exists.
	IfAbsent bool
	// IfRevision fails with ErrRevisionMismatch unless the stored revision matches.
	IfRevision uint64
}

type Store interface {
	// Put stores entry.Data and returns the new revision.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (revision uint64, err error)
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Put(ctx, key, data, opts)
}

// Get decodes the value at key. The revision is returned for use in a
// following conditional Put.
func Get[T any](ctx context.Context, store Store, key string) (out T, revision uint64, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, 0, err
	}
	if err = json.Unmarshal(entry.Data, &out); err != nil {
		return out, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, entry.Revision, nil
}
