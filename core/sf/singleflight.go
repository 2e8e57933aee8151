package sf

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type Builder[T any] func(ctx context.Context, key string) (*T, error)

// Memo caches the result of build per key.
type Memo[T any] struct {
	build Builder[T]
	group singleflight.Group

	mu     sync.RWMutex
	values map[string]*T
}

func NewMemo[T any](build Builder[T]) *Memo[T] {
	return &Memo[T]{build: build, values: map[string]*T{}}
}

// Get returns the value for key, building it on first use. The build runs
// with a context detached from ctx's cancellation, since the value outlives
// the call that created it.
func (m *Memo[T]) Get(ctx context.Context, key string) (*T, error) {
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if ok {
		return v, nil
	}
	out, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		v, ok := m.values[key]
		m.mu.RUnlock()
		if ok {
			return v, nil
		}
		v, err := m.build(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.values[key] = v
		m.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*T), nil
}

// Drain removes every stored value and passes it to fn.
func (m *Memo[T]) Drain(fn func(key string, v *T)) {
	m.mu.Lock()
	values := m.values
	m.values = map[string]*T{}
	m.mu.Unlock()
	for k, v := range values {
		fn(k, v)
	}
}

func (m *Memo[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
