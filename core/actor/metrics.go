package actor

import "github.com/codewandler/trackr/core/metrics"

// ActorMetrics receives observations from every session actor. Calls come
// from many actors at once.
type ActorMetrics interface {
	MessageDuration(msgType string) metrics.Timer
	MessageProcessed(msgType string, success bool)
	MessagePanic(msgType string)

	// depth is sampled on every enqueue and dequeue
	MailboxDepth(actorID string, depth int)

	SchedulerInflight(actorID string, count int)
	SchedulerTaskDuration() metrics.Timer
	SchedulerTaskCompleted(success bool)
}

type nopActorMetrics struct{}

func (nopActorMetrics) MessageDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopActorMetrics) MessageProcessed(string, bool)        {}
func (nopActorMetrics) MessagePanic(string)                  {}

func (nopActorMetrics) MailboxDepth(string, int) {}

func (nopActorMetrics) SchedulerInflight(string, int)        {}
func (nopActorMetrics) SchedulerTaskDuration() metrics.Timer { return metrics.NopTimer() }
func (nopActorMetrics) SchedulerTaskCompleted(bool)          {}

// NopActorMetrics discards everything. It is the default when no metrics are
// configured.
func NopActorMetrics() ActorMetrics { return nopActorMetrics{} }
