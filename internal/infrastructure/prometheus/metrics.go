// Package prometheus implements eventstore.Metrics with Prometheus collectors.
package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/es-engine/internal/eventstore"
)

const namespace = "es"

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) eventstore.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

type metrics struct {
	saveDuration         *prometheus.HistogramVec
	loadDuration         *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec
	idempotentSkips      *prometheus.CounterVec
	snapshotsWritten     *prometheus.CounterVec
	payloadOverflows     *prometheus.CounterVec
	commitChunks         *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
}

// NewMetrics registers the store collectors on reg.
func NewMetrics(reg prometheus.Registerer) eventstore.Metrics {
	labels := []string{"aggregate_type"}
	m := &metrics{
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Save latency in seconds",
			Buckets:   defaultBuckets,
		}, labels),

		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Aggregate load latency in seconds",
			Buckets:   defaultBuckets,
		}, labels),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events committed",
		}, labels),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of optimistic concurrency failures",
		}, labels),

		idempotentSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_skips_total",
			Help:      "Total number of saves skipped as already applied",
		}, labels),

		snapshotsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_written_total",
			Help:      "Total number of snapshots written",
		}, labels),

		payloadOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_overflows_total",
			Help:      "Total number of event payloads moved to blob storage",
		}, labels),

		commitChunks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_chunks",
			Help:      "Number of atomic batches per commit",
			Buckets:   []float64{1, 2, 3, 5, 10, 25},
		}, labels),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		}, labels),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		}, labels),
	}

	reg.MustRegister(
		m.saveDuration,
		m.loadDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.idempotentSkips,
		m.snapshotsWritten,
		m.payloadOverflows,
		m.commitChunks,
		m.cacheHits,
		m.cacheMisses,
	)

	return m
}

func (m *metrics) SaveDuration(aggType string) eventstore.Timer {
	return newTimer(m.saveDuration.WithLabelValues(aggType))
}

func (m *metrics) LoadDuration(aggType string) eventstore.Timer {
	return newTimer(m.loadDuration.WithLabelValues(aggType))
}

func (m *metrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *metrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *metrics) IdempotentSkip(aggType string) {
	m.idempotentSkips.WithLabelValues(aggType).Inc()
}

func (m *metrics) SnapshotWritten(aggType string) {
	m.snapshotsWritten.WithLabelValues(aggType).Inc()
}

func (m *metrics) PayloadOverflowed(aggType string) {
	m.payloadOverflows.WithLabelValues(aggType).Inc()
}

func (m *metrics) CommitChunks(aggType string, chunks int) {
	m.commitChunks.WithLabelValues(aggType).Observe(float64(chunks))
}

func (m *metrics) CacheHit(aggType string) {
	m.cacheHits.WithLabelValues(aggType).Inc()
}

func (m *metrics) CacheMiss(aggType string) {
	m.cacheMisses.WithLabelValues(aggType).Inc()
}

var _ eventstore.Metrics = (*metrics)(nil)

// Handler serves the collectors gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
