package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Self-instrumentation, served at /debug/metrics.
var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "biscuit",
		Subsystem: "ingest",
		Name:      "samples_total",
		Help:      "Samples accepted, by metric type.",
	}, []string{"type"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "biscuit",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "SQL execution latency of /query requests.",
		Buckets:   prometheus.DefBuckets,
	})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "biscuit",
		Subsystem: "live",
		Name:      "clients",
		Help:      "Connected websocket clients.",
	})
)
