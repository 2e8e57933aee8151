// Package prometheus implements the metrics interfaces of the core packages
// with Prometheus collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/trackr/core/metrics"
)

const namespace = "trackr"

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

var depthBuckets = []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Metrics bundles every collector of the service, registered on one registry.
type Metrics struct {
	Actor    *actorMetrics
	Registry *registryMetrics
	Session  *sessionMetrics
	Keyed    *keyedMetrics
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Actor:    NewActorMetrics(reg),
		Registry: NewRegistryMetrics(reg),
		Session:  NewSessionMetrics(reg),
		Keyed:    NewKeyedMetrics(reg),
	}
}
