package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "archiver_crawler_pages_fetched_total",
	Help: "The number of history pages fetched",
})

var messagesSeen = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_crawler_messages_total",
	Help: "Messages seen by the crawler, by result",
}, []string{"result"})

var rateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "archiver_crawler_rate_limited_total",
	Help: "The number of rate-limited history requests",
})

var activeCrawls = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "archiver_crawler_active_channels",
	Help: "The number of channels being crawled right now",
})

var channelOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_crawler_channels_total",
	Help: "Finished channel crawls, by outcome",
}, []string{"outcome"})

var flushSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "archiver_crawler_flush_size",
	Help:    "The number of messages written per batch flush",
	Buckets: prometheus.ExponentialBuckets(1, 2, 12),
})
