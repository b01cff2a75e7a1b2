package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var residentBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "archiver_memory_resident_bytes",
	Help: "The last sampled resident memory of the process",
})

var cleanups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_memory_cleanups_total",
	Help: "Memory cleanup passes by trigger and result",
}, []string{"trigger", "result"})

var throttled = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "archiver_memory_throttled",
	Help: "1 while ingestion is paused for a memory cleanup",
})
