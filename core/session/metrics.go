package session

import "github.com/codewandler/trackr/core/metrics"

// Flush outcomes reported to Metrics.Flushed.
const (
	FlushOK           = "ok"
	FlushDropped      = "dropped"
	FlushDeadLettered = "dead_lettered"
	FlushUnresolvable = "unresolvable"
)

type Metrics interface {
	SessionOpened()
	SessionClosed(reason string)
	EventsIngested(n int)
	Flushed(outcome string, events int)
	FlushDuration() metrics.Timer
	CheckpointFailed()
}

type nopMetrics struct{}

func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) SessionOpened()               {}
func (nopMetrics) SessionClosed(string)         {}
func (nopMetrics) EventsIngested(int)           {}
func (nopMetrics) Flushed(string, int)          {}
func (nopMetrics) FlushDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CheckpointFailed()            {}
