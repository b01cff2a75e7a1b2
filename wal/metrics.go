package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stagedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "archiver_wal_staged_total",
	Help: "The number of live messages staged in the write-ahead table",
})

var sweepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_wal_sweep_outcomes_total",
	Help: "The outcome of each claimed write-ahead entry",
}, []string{"outcome"})

var sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "archiver_wal_sweep_duration_seconds",
	Help:    "The duration of a write-ahead sweep",
	Buckets: prometheus.DefBuckets,
})
