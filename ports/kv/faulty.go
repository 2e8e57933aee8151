package kv

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrInjected is returned by FaultyStore while a fault is armed.
var ErrInjected = errors.New("injected store failure")

// FaultyStore wraps a Store and fails operations on demand. It is meant for
// exercising persistence-failure paths.
type FaultyStore struct {
	Store
	failPut atomic.Bool
	failGet atomic.Bool
}

func NewFaultyStore(s Store) *FaultyStore { return &FaultyStore{Store: s} }

func (f *FaultyStore) FailPuts(v bool) { f.failPut.Store(v) }
func (f *FaultyStore) FailGets(v bool) { f.failGet.Store(v) }

func (f *FaultyStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (uint64, error) {
	if f.failPut.Load() {
		return 0, ErrInjected
	}
	return f.Store.Put(ctx, key, data, opts)
}

func (f *FaultyStore) Get(ctx context.Context, key string) (Entry, error) {
	if f.failGet.Load() {
		return Entry{}, ErrInjected
	}
	return f.Store.Get(ctx, key)
}

var _ Store = (*FaultyStore)(nil)
