// Package metrics holds the Prometheus collectors shared by the ingestion
// components. A Metrics value is created once by the app and passed down;
// there are no package-level collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketsync"

// Outcome labels used by BookUpdates.
const (
	OutcomeApplied   = "applied"
	OutcomeBuffered  = "buffered"
	OutcomeStale     = "stale"
	OutcomeGap       = "gap"
	OutcomeMalformed = "malformed"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	BookUpdates       *prometheus.CounterVec
	SnapshotLoads     *prometheus.CounterVec
	PendingDropped    *prometheus.CounterVec
	BookSynchronized  *prometheus.GaugeVec
	MalformedMessages *prometheus.CounterVec
	TickerMerges      *prometheus.CounterVec
	EventsPublished   prometheus.Counter
	EventsDropped     *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	RESTLatency       *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New builds the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		BookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "updates_total",
			Help: "Order book diff messages by outcome.",
		}, []string{"instrument", "outcome"}),
		SnapshotLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "snapshot_loads_total",
			Help: "Snapshot loads by result.",
		}, []string{"instrument", "result"}),
		PendingDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "pending_dropped_total",
			Help: "Buffered updates discarded because the pending queue was full.",
		}, []string{"instrument"}),
		BookSynchronized: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "synchronized",
			Help: "1 while the book is synchronized, 0 otherwise.",
		}, []string{"instrument"}),
		MalformedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_messages_total",
			Help: "Messages discarded because required fields were missing or invalid.",
		}, []string{"feed"}),
		TickerMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ticker", Name: "merges_total",
			Help: "Ticker registry mutations by kind.",
		}, []string{"kind"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Change events handed to the fan-out.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Change events dropped for slow subscribers.",
		}, []string{"subscriber"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Stream reconnects by feed.",
		}, []string{"feed"}),
		RESTLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "rest_latency_seconds",
			Help:    "REST round trip latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.BookUpdates, m.SnapshotLoads, m.PendingDropped, m.BookSynchronized,
		m.MalformedMessages, m.TickerMerges, m.EventsPublished, m.EventsDropped,
		m.Reconnects, m.RESTLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
