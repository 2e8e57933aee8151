package sink

import (
	"context"
	"slices"
	"sync"
)

// Recorder is an in-memory Writer that keeps every batch it accepts.
// Fail makes subsequent writes return the given error.
type Recorder struct {
	mu      sync.Mutex
	batches []Batch
	calls   int
	err     error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Write(ctx context.Context, b Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Events = slices.Clone(b.Events)
	r.batches = append(r.batches, b)
	return nil
}

func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Batches() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.batches)
}

// Calls counts every write attempt, failed ones included.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var _ Writer = (*Recorder)(nil)
