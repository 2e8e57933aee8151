package kv

import (
	"context"
	"strings"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	rev  uint64
	data map[string]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]Entry{}}
}

func (m *MemStore) Put(_ context.Context, key string, data []byte, opts PutOptions) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.data[key]
	switch {
	case opts.IfAbsent && exists:
		return 0, ErrRevisionMismatch
	case opts.IfRevision != 0 && (!exists || cur.Revision != opts.IfRevision):
		return 0, ErrRevisionMismatch
	}

	m.rev++
	m.data[key] = Entry{Data: append([]byte(nil), data...), Revision: m.rev}
	return m.rev, nil
}

func (m *MemStore) Get(_ context.Context, key string) (entry Entry, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.data[key]
	if !ok {
		return entry, ErrNotFound
	}
	entry.Data = append([]byte(nil), entry.Data...)
	return entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns all keys with the given prefix.
func (m *MemStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

var _ Store = (*MemStore)(nil)
