package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/trackr/core/keyed"
	"github.com/codewandler/trackr/core/metrics"
	"github.com/codewandler/trackr/core/registry"
	"github.com/codewandler/trackr/core/session"
)

type registryMetrics struct {
	created         *prometheus.CounterVec
	failed          prometheus.Counter
	conflicts       prometheus.Counter
	directoryWrites *prometheus.CounterVec
}

func NewRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	m := &registryMetrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_identities_created_total",
			Help:      "Identities issued, by shard",
		}, []string{"shard"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_identity_failures_total",
			Help:      "CreateIdentity calls that failed",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_counter_conflicts_total",
			Help:      "Counter writes rejected because another writer advanced it",
		}),
		directoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_directory_writes_total",
			Help:      "Best-effort directory writes",
		}, []string{"success"}),
	}
	reg.MustRegister(m.created, m.failed, m.conflicts, m.directoryWrites)
	return m
}

func (m *registryMetrics) IdentityCreated(shard int) {
	m.created.WithLabelValues(strconv.Itoa(shard)).Inc()
}
func (m *registryMetrics) IdentityFailed()  { m.failed.Inc() }
func (m *registryMetrics) CounterConflict() { m.conflicts.Inc() }
func (m *registryMetrics) DirectoryWrite(success bool) {
	m.directoryWrites.WithLabelValues(boolToStr(success)).Inc()
}

var _ registry.Metrics = (*registryMetrics)(nil)

type sessionMetrics struct {
	opened        prometheus.Counter
	closed        *prometheus.CounterVec
	ingested      prometheus.Counter
	flushes       *prometheus.CounterVec
	flushedEvents *prometheus.CounterVec
	flushDuration prometheus.Histogram
	checkpoints   prometheus.Counter
}

func NewSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	m := &sessionMetrics{
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason",
		}, []string{"reason"}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Client events accepted into a session buffer",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flush attempts, by outcome",
		}, []string{"outcome"}),
		flushedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_events_total",
			Help:      "Events in flushed batches, markers included, by outcome",
		}, []string{"outcome"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Sink write time including retries",
			Buckets:   defaultBuckets,
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_checkpoint_failures_total",
			Help:      "Best-effort state checkpoints that failed",
		}),
	}
	reg.MustRegister(m.opened, m.closed, m.ingested, m.flushes, m.flushedEvents, m.flushDuration, m.checkpoints)
	return m
}

func (m *sessionMetrics) SessionOpened()              { m.opened.Inc() }
func (m *sessionMetrics) SessionClosed(reason string) { m.closed.WithLabelValues(reason).Inc() }
func (m *sessionMetrics) EventsIngested(n int)        { m.ingested.Add(float64(n)) }
func (m *sessionMetrics) Flushed(outcome string, events int) {
	m.flushes.WithLabelValues(outcome).Inc()
	m.flushedEvents.WithLabelValues(outcome).Add(float64(events))
}
func (m *sessionMetrics) FlushDuration() metrics.Timer { return newTimer(m.flushDuration) }
func (m *sessionMetrics) CheckpointFailed()            { m.checkpoints.Inc() }

var _ session.Metrics = (*sessionMetrics)(nil)

type keyedMetrics struct {
	live     prometheus.Gauge
	created  prometheus.Counter
	evicted  prometheus.Counter
	replaced prometheus.Counter
}

func NewKeyedMetrics(reg prometheus.Registerer) *keyedMetrics {
	m := &keyedMetrics{
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keyed_actors_live",
			Help:      "Actors currently held by the keyed registry",
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyed_actors_created_total",
			Help:      "Actors created on first use",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyed_actors_evicted_total",
			Help:      "Actors passivated and stopped",
		}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyed_actors_replaced_total",
			Help:      "Failed or stopped actors replaced on access",
		}),
	}
	reg.MustRegister(m.live, m.created, m.evicted, m.replaced)
	return m
}

func (m *keyedMetrics) Created() {
	m.created.Inc()
	m.live.Inc()
}

func (m *keyedMetrics) Evicted() {
	m.evicted.Inc()
	m.live.Dec()
}

func (m *keyedMetrics) Replaced() {
	m.replaced.Inc()
	m.live.Dec()
}

var _ keyed.Metrics = (*keyedMetrics)(nil)
