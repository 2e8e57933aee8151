// Package sink is the outbound port towards the partitioned backing store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/codewandler/trackr/core/event"
)

var ErrNoWriter = errors.New("no writer for shard scheme")

// Batch is one flush of one identity. Timestamp is unique per identity, so
// (ShardURL, Identity, Timestamp) names the document a writer overwrites.
type Batch struct {
	Identity  string
	ShardURL  string
	Timestamp int64
	Events    []event.Event
}

type Writer interface {
	Write(ctx context.Context, b Batch) error
}

type WriterFunc func(ctx context.Context, b Batch) error

func (f WriterFunc) Write(ctx context.Context, b Batch) error { return f(ctx, b) }

// Mux picks a writer by the scheme of the batch's shard URL.
type Mux struct {
	mu      sync.RWMutex
	writers map[string]Writer
}

func NewMux() *Mux {
	return &Mux{writers: map[string]Writer{}}
}

func (m *Mux) Handle(scheme string, w Writer) *Mux {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writers[strings.ToLower(scheme)] = w
	return m
}

func (m *Mux) Write(ctx context.Context, b Batch) error {
	u, err := url.Parse(b.ShardURL)
	if err != nil {
		return fmt.Errorf("parse shard url: %w", err)
	}
	m.mu.RLock()
	w, ok := m.writers[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoWriter, u.Scheme)
	}
	return w.Write(ctx, b)
}

var _ Writer = (*Mux)(nil)
