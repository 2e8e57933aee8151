package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/ports/kv"
	"github.com/codewandler/trackr/ports/sink"
)

// FailurePolicy decides what happens to a batch the sink refused.
type FailurePolicy string

const (
	// DropOnFailure logs and counts the failed batch, then forgets it.
	DropOnFailure FailurePolicy = "drop"
	// RetryThenDeadLetter retries with exponential backoff and parks the
	// batch in the dead-letter namespace of the KV store when retries run out.
	RetryThenDeadLetter FailurePolicy = "retry"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DropOnFailure, nil
	case DropOnFailure, RetryThenDeadLetter:
		return p, nil
	default:
		return "", fmt.Errorf("unknown flush failure policy %q", s)
	}
}

// Resolver maps an identity to the URL of the shard that owns it.
type Resolver interface {
	Resolve(identity string) (string, error)
}

// Options are shared by every session actor in a process.
type Options struct {
	Context  context.Context
	Store    kv.Store
	Resolver Resolver
	Sink     sink.Writer
	Clock    quartz.Clock
	Log      *slog.Logger

	SessionTimeout time.Duration
	// FlushThreshold counts client events only; lifecycle markers ride along.
	FlushThreshold int
	FlushTimeout   time.Duration
	FailurePolicy  FailurePolicy
	// FlushRetries are extra attempts on top of the first write.
	FlushRetries      int
	RetryInitialDelay time.Duration
	// StrictConnect rejects a second concurrent connection.
	StrictConnect bool
	MailboxSize   int

	Metrics      Metrics
	ActorMetrics actor.ActorMetrics
}

func (o Options) withDefaults() Options {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Store == nil {
		o.Store = kv.NewMemStore()
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 30 * time.Minute
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 5
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = DropOnFailure
	}
	if o.FlushRetries <= 0 {
		o.FlushRetries = 3
	}
	if o.RetryInitialDelay <= 0 {
		o.RetryInitialDelay = 200 * time.Millisecond
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics()
	}
	return o
}
