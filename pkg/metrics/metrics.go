// Package metrics exposes indexer metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mirrorx"

// Metrics holds every collector on a private registry so tests can build as many as they like.
type Metrics struct {
	Checkpoint      prometheus.Gauge
	ChainHead       prometheus.Gauge
	BatchTxs        prometheus.Counter
	BatchRecords    prometheus.Counter
	BatchDuration   prometheus.Histogram
	TickErrors      *prometheus.CounterVec
	SolvencyTicks   *prometheus.CounterVec
	SolvencyDeleted prometheus.Counter
	ReconcileFixes  *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_height",
			Help:      "Last fully ingested block height",
		}),
		ChainHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_height",
			Help:      "Latest height reported by the LCD",
		}),
		BatchTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_txs_total",
			Help:      "Chain transactions ingested",
		}),
		BatchRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_records_total",
			Help:      "Transaction records written",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to dispatch and commit one batch",
			Buckets:   prometheus.DefBuckets,
		}),
		TickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Ingestion ticks that failed, by class",
		}, []string{"class"}),
		SolvencyTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solvency_ticks_total",
			Help:      "CDP refreshes, by tier",
		}, []string{"tier"}),
		SolvencyDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdps_removed_total",
			Help:      "Closed CDPs removed",
		}),
		ReconcileFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_fixes_total",
			Help:      "Entities overwritten by reconciliation, by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.Checkpoint, m.ChainHead, m.BatchTxs, m.BatchRecords, m.BatchDuration,
		m.TickErrors, m.SolvencyTicks, m.SolvencyDeleted, m.ReconcileFixes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
