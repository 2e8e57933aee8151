// Package keyed keeps at most one live value per key inside a process.
//
// Values are created lazily on first use and evicted by a janitor once they
// have been idle for longer than the configured TTL. A Get for a key that is
// being evicted waits until the old value has fully stopped, so two values
// for the same key never run at the same time.
package keyed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/crypto/blake2b"
)

var ErrClosed = errors.New("keyed registry closed")

// Value is anything with an actor-like lifecycle.
type Value interface {
	Stop()
	Done() <-chan struct{}
	Err() error
}

// Passivator is implemented by values that want a last word before they are
// stopped, e.g. to flush and checkpoint.
type Passivator interface {
	Passivate(ctx context.Context) error
}

type Factory[V Value] func(key string) (V, error)

type Options[V Value] struct {
	Factory Factory[V]
	// Stripes is the number of independently locked partitions. Default 32.
	Stripes int
	// IdleTTL evicts values without leases that were not used for this long.
	// Zero disables eviction.
	IdleTTL time.Duration
	// SweepInterval defaults to IdleTTL/2.
	SweepInterval    time.Duration
	PassivateTimeout time.Duration
	Clock            quartz.Clock
	Log              *slog.Logger
	Metrics          Metrics
}

type entry[V Value] struct {
	value    V
	leases   int
	lastUsed time.Time
	// evicting is closed once the value has stopped and the entry is gone.
	evicting chan struct{}
}

type stripe[V Value] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
}

type Registry[V Value] struct {
	opts    Options[V]
	clock   quartz.Clock
	log     *slog.Logger
	metrics Metrics
	stripes []*stripe[V]

	mu     sync.RWMutex
	closed bool
}

func New[V Value](opts Options[V]) *Registry[V] {
	if opts.Factory == nil {
		panic("keyed: factory is required")
	}
	if opts.Stripes <= 0 {
		opts.Stripes = 32
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.IdleTTL / 2
	}
	if opts.PassivateTimeout <= 0 {
		opts.PassivateTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}

	r := &Registry[V]{
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Log,
		metrics: opts.Metrics,
		stripes: make([]*stripe[V], opts.Stripes),
	}
	for i := range r.stripes {
		r.stripes[i] = &stripe[V]{entries: map[string]*entry[V]{}}
	}
	return r
}

func (r *Registry[V]) stripeFor(key string) *stripe[V] {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	v := binary.BigEndian.Uint64(h.Sum(nil))
	return r.stripes[v%uint64(len(r.stripes))]
}

// Get returns the live value for key, creating it if needed.
func (r *Registry[V]) Get(ctx context.Context, key string) (V, error) {
	return r.get(ctx, key, false)
}

// Acquire is Get plus a lease that keeps the value from being evicted until
// release is called. release is safe to call more than once.
func (r *Registry[V]) Acquire(ctx context.Context, key string) (v V, release func(), err error) {
	v, err = r.get(ctx, key, true)
	if err != nil {
		return v, nil, err
	}
	var once sync.Once
	return v, func() { once.Do(func() { r.release(key) }) }, nil
}

func (r *Registry[V]) get(ctx context.Context, key string, lease bool) (V, error) {
	var zero V
	for {
		r.mu.RLock()
		closed := r.closed
		r.mu.RUnlock()
		if closed {
			return zero, ErrClosed
		}

		s := r.stripeFor(key)
		s.mu.Lock()
		e, ok := s.entries[key]
		if ok && e.evicting != nil {
			wait := e.evicting
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-wait:
				continue
			}
		}

		if ok && !alive(e.value) {
			// failed or stopped on its own; replace it
			delete(s.entries, key)
			go e.value.Stop()
			ok = false
			r.metrics.Replaced()
		}

		if !ok {
			v, err := r.opts.Factory(key)
			if err != nil {
				s.mu.Unlock()
				return zero, fmt.Errorf("create %s: %w", key, err)
			}
			e = &entry[V]{value: v}
			s.entries[key] = e
			r.metrics.Created()
		}

		e.lastUsed = r.clock.Now()
		if lease {
			e.leases++
		}
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
}

func alive(v Value) bool {
	if v.Err() != nil {
		return false
	}
	select {
	case <-v.Done():
		return false
	default:
		return true
	}
}

func (r *Registry[V]) release(key string) {
	s := r.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.leases > 0 {
		e.leases--
		e.lastUsed = r.clock.Now()
	}
}

// Len counts live entries, including ones being evicted.
func (r *Registry[V]) Len() int {
	n := 0
	for _, s := range r.stripes {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep evicts every idle, unleased value and returns the number evicted.
func (r *Registry[V]) Sweep(ctx context.Context) int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	now := r.clock.Now()
	evicted := 0
	for _, s := range r.stripes {
		var victims []string
		s.mu.Lock()
		for key, e := range s.entries {
			if e.evicting == nil && e.leases == 0 && now.Sub(e.lastUsed) >= r.opts.IdleTTL {
				e.evicting = make(chan struct{})
				victims = append(victims, key)
			}
		}
		s.mu.Unlock()

		for _, key := range victims {
			r.evict(ctx, s, key)
			evicted++
		}
	}
	if evicted > 0 {
		r.log.Debug("evicted idle values", slog.Int("count", evicted))
	}
	return evicted
}

// evict requires the entry to be marked as evicting.
func (r *Registry[V]) evict(ctx context.Context, s *stripe[V], key string) {
	s.mu.Lock()
	e := s.entries[key]
	s.mu.Unlock()

	if p, ok := any(e.value).(Passivator); ok && alive(e.value) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PassivateTimeout)
		if err := p.Passivate(pctx); err != nil {
			r.log.Warn("passivate failed", slog.String("key", key), slog.Any("error", err))
		}
		cancel()
	}
	e.value.Stop()

	s.mu.Lock()
	delete(s.entries, key)
	close(e.evicting)
	s.mu.Unlock()
	r.metrics.Evicted()
}

// Run sweeps on every tick until ctx is done.
func (r *Registry[V]) Run(ctx context.Context) error {
	if r.opts.IdleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	w := r.clock.TickerFunc(ctx, r.opts.SweepInterval, func() error {
		r.Sweep(ctx)
		return nil
	}, "keyed", "sweep")
	err := w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close passivates and stops every value. Later calls to Get fail.
func (r *Registry[V]) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		inFlight []chan struct{}
	)
	for _, s := range r.stripes {
		var victims []string
		s.mu.Lock()
		for key, e := range s.entries {
			if e.evicting == nil {
				e.evicting = make(chan struct{})
				victims = append(victims, key)
			} else {
				inFlight = append(inFlight, e.evicting)
			}
		}
		s.mu.Unlock()
		for _, key := range victims {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.evict(ctx, s, key)
			}()
		}
	}
	wg.Wait()
	for _, ch := range inFlight {
		<-ch
	}
}
