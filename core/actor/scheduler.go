package actor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

type scheduleFunc func()

type Scheduler interface {
	Schedule(f scheduleFunc)
	// Wait blocks until all in-flight tasks complete.
	Wait()
}

type scheduler struct {
	ctx      context.Context
	log      *slog.Logger
	inflight atomic.Int32
	sem      chan struct{}

	wg sync.WaitGroup

	actorID string
	metrics ActorMetrics
}

// Schedule runs f on its own goroutine once a slot is free. Tasks that are
// still waiting for a slot when the context ends are skipped.
func (s *scheduler) Schedule(f scheduleFunc) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.sem != nil {
			select {
			case <-s.ctx.Done():
				return
			case s.sem <- struct{}{}:
			}
			defer func() { <-s.sem }()
		}

		s.metrics.SchedulerInflight(s.actorID, int(s.inflight.Add(1)))
		defer func() {
			s.metrics.SchedulerInflight(s.actorID, int(s.inflight.Add(-1)))
		}()

		s.runTask(f)
	}()
}

func (s *scheduler) runTask(f scheduleFunc) {
	defer s.metrics.SchedulerTaskDuration().ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.SchedulerTaskCompleted(false)
			s.log.Error("scheduled task panicked", slog.String("actor", s.actorID), slog.Any("recovered", r))
		}
	}()

	f()
	s.metrics.SchedulerTaskCompleted(true)
}

func (s *scheduler) Wait() {
	s.wg.Wait()
}

// NewSchedulerWithMetrics bounds the actor's background tasks to max at a
// time. max <= 0 means no bound. A nil metrics is replaced by a no-op.
func NewSchedulerWithMetrics(max int, ctx context.Context, actorID string, metrics ActorMetrics) Scheduler {
	var sem chan struct{}
	if max > 0 {
		sem = make(chan struct{}, max)
	}
	if metrics == nil {
		metrics = NopActorMetrics()
	}
	return &scheduler{
		ctx:     ctx,
		sem:     sem,
		log:     slog.Default(),
		actorID: actorID,
		metrics: metrics,
	}
}
