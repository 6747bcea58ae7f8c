// metrics/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metrics defines the Prometheus collectors exported by the
// datastore. All methods are nil-safe: calls on a nil *Metrics are no-ops,
// so components can be used without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bkd"

type Metrics struct {
	ChunksInserted     prometheus.Counter
	ChunksDeduplicated prometheus.Counter
	ChunkBytesWritten  prometheus.Counter

	SessionsActive   prometheus.Gauge
	SessionsFinished *prometheus.CounterVec // outcome: committed, aborted, expired

	GCRuns           *prometheus.CounterVec // result: ok, skipped_sweep, failed
	GCChunksRemoved  prometheus.Counter
	GCBytesReclaimed prometheus.Counter
	GCDuration       prometheus.Histogram

	VerifyFailures *prometheus.CounterVec // kind
}

// New creates the collectors and registers them with reg, if it's
// non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chunks", Name: "inserted_total",
			Help: "Chunks written to the chunk store",
		}),
		ChunksDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chunks", Name: "deduplicated_total",
			Help: "Chunk inserts that found the chunk already present",
		}),
		ChunkBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chunks", Name: "written_bytes_total",
			Help: "Encoded bytes written to the chunk store",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Backup sessions currently open",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "finished_total",
			Help: "Backup sessions by outcome",
		}, []string{"outcome"}),
		GCRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "runs_total",
			Help: "Garbage collection runs by result",
		}, []string{"result"}),
		GCChunksRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "chunks_removed_total",
			Help: "Chunks removed by garbage collection",
		}),
		GCBytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "reclaimed_bytes_total",
			Help: "Bytes reclaimed by garbage collection",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gc", Name: "duration_seconds",
			Help:    "Duration of garbage collection runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
		VerifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "verify", Name: "failures_total",
			Help: "Chunks that failed verification, by kind",
		}, []string{"kind"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.ChunksInserted, m.ChunksDeduplicated, m.ChunkBytesWritten,
			m.SessionsActive, m.SessionsFinished,
			m.GCRuns, m.GCChunksRemoved, m.GCBytesReclaimed, m.GCDuration,
			m.VerifyFailures,
		} {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}
	return m
}

func (m *Metrics) ChunkInserted(existed bool, size int64) {
	if m == nil {
		return
	}
	if existed {
		m.ChunksDeduplicated.Inc()
		return
	}
	m.ChunksInserted.Inc()
	m.ChunkBytesWritten.Add(float64(size))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GCFinished(result string, removed, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.GCRuns.WithLabelValues(result).Inc()
	m.GCChunksRemoved.Add(float64(removed))
	m.GCBytesReclaimed.Add(float64(bytes))
	m.GCDuration.Observe(d.Seconds())
}

func (m *Metrics) VerifyFailed(kind string) {
	if m == nil {
		return
	}
	m.VerifyFailures.WithLabelValues(kind).Inc()
}
