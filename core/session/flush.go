package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/ports/kv"
	"github.com/codewandler/trackr/ports/sink"
)

// flush writes the buffer as one batch. It runs on the actor goroutine, so
// batches of one identity reach the sink in ingestion order. Errors are
// logged and counted; ingestion has already been acknowledged.
func (h *handler) flush(hc actor.HandlerCtx, trigger string) {
	if len(h.buffer) == 0 {
		return
	}
	log := h.log.With(slog.String("trigger", trigger))

	shardURL, err := h.resolve()
	if err != nil {
		// keep the buffer for the next trigger
		h.opts.Metrics.Flushed(FlushUnresolvable, len(h.buffer))
		log.Warn("flush skipped", slog.Int("buffered", len(h.buffer)), slog.Any("error", err))
		return
	}

	b := sink.Batch{
		Identity:  h.identity,
		ShardURL:  shardURL,
		Timestamp: h.nextWriteTs(),
		Events:    h.buffer,
	}
	h.buffer = nil

	err = h.write(hc, b)
	if err == nil {
		h.opts.Metrics.Flushed(FlushOK, len(b.Events))
		log.Debug("flushed", slog.Int("events", len(b.Events)), slog.Int64("ts", b.Timestamp))
		return
	}

	if h.opts.FailurePolicy == RetryThenDeadLetter {
		dlErr := h.deadLetter(hc, b, err)
		if dlErr == nil {
			h.opts.Metrics.Flushed(FlushDeadLettered, len(b.Events))
			log.Warn("flush failed, batch dead-lettered", slog.Int("events", len(b.Events)), slog.Any("error", err))
			return
		}
		err = errors.Join(err, dlErr)
	}
	h.opts.Metrics.Flushed(FlushDropped, len(b.Events))
	log.Error("flush failed, batch dropped", slog.Int("events", len(b.Events)), slog.Any("error", err))
}

func (h *handler) resolve() (string, error) {
	if h.identity == "" {
		return "", fmt.Errorf("%w: %w", ErrUnresolvableShard, ErrNotBound)
	}
	if h.opts.Resolver == nil {
		return "", fmt.Errorf("%w: no shard directory", ErrUnresolvableShard)
	}
	u, err := h.opts.Resolver.Resolve(h.identity)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnresolvableShard, err)
	}
	return u, nil
}

// nextWriteTs is strictly increasing per actor, so two flushes in the same
// millisecond never share a path.
func (h *handler) nextWriteTs() int64 {
	ts := h.now()
	if ts <= h.lastWriteTs {
		ts = h.lastWriteTs + 1
	}
	h.lastWriteTs = ts
	return ts
}

func (h *handler) write(ctx context.Context, b sink.Batch) error {
	if h.opts.Sink == nil {
		return fmt.Errorf("%w: no sink configured", ErrFlushFailure)
	}
	defer h.opts.Metrics.FlushDuration().ObserveDuration()

	attempt := func() error {
		wctx, cancel := context.WithTimeout(ctx, h.opts.FlushTimeout)
		defer cancel()
		return h.opts.Sink.Write(wctx, b)
	}

	var err error
	if h.opts.FailurePolicy == RetryThenDeadLetter {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = h.opts.RetryInitialDelay
		eb.MaxElapsedTime = 0
		bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(h.opts.FlushRetries)), ctx)
		err = backoff.RetryNotify(attempt, bo, func(err error, d time.Duration) {
			h.log.Debug("flush retry", slog.Duration("backoff", d), slog.Any("error", err))
		})
	} else {
		err = attempt()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFlushFailure, err)
	}
	return nil
}

func (h *handler) deadLetter(ctx context.Context, b sink.Batch, cause error) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.FlushTimeout)
	defer cancel()
	_, err := kv.Put(ctx, h.opts.Store, DeadLetterKey(b.Identity, b.Timestamp), deadLetter{
		Identity:  b.Identity,
		ShardURL:  b.ShardURL,
		Timestamp: b.Timestamp,
		Error:     cause.Error(),
		Events:    b.Events,
	}, kv.PutOptions{})
	return err
}
