// Package metrics exposes Prometheus metrics for the temporal store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "temporaldb"

var (
	// AppendsTotal counts committed appends by kind (put, delete).
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Total number of committed event appends by kind.",
		},
		[]string{"kind"},
	)

	// AppendFailuresTotal counts appends rejected by the storage backend.
	AppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_failures_total",
			Help:      "Total number of appends that failed at the storage backend.",
		},
	)

	// QueriesTotal counts read operations by kind (as_of, current, history).
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of queries by kind.",
		},
		[]string{"kind"},
	)

	// QueryDurationSeconds is query latency by kind.
	QueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query duration in seconds by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us to ~1.6s
		},
		[]string{"kind"},
	)

	// CompactionsTotal counts finished compaction runs by outcome.
	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Total number of compaction runs by outcome.",
		},
		[]string{"outcome"},
	)

	// EventsCompactedTotal counts events physically removed by compaction.
	EventsCompactedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_compacted_total",
			Help:      "Total number of events removed by compaction.",
		},
	)

	// LogSegments is the current number of live log segments.
	LogSegments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_segments",
			Help:      "Number of live event log segments.",
		},
	)

	// IndexedKeys is the current number of keys in the version index.
	IndexedKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexed_keys",
			Help:      "Number of keys tracked by the version index.",
		},
	)
)
