// Package metrics serves the Prometheus registry and the archive-level gauges.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guild-archiver/database"
	"guild-archiver/wal"
)

const collectTimeout = 5 * time.Second

// archiveCollector reads store-level numbers at scrape time.
type archiveCollector struct {
	store  *database.Store
	buffer *wal.Buffer
	logger *slog.Logger

	messages *prometheus.Desc
	members  *prometheus.Desc
	walTotal *prometheus.Desc
	walReady *prometheus.Desc
	dbBytes  *prometheus.Desc
}

// NewArchiveCollector returns a collector for archive sizes and buffer depth.
func NewArchiveCollector(store *database.Store, buffer *wal.Buffer, logger *slog.Logger) prometheus.Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &archiveCollector{
		store:    store,
		buffer:   buffer,
		logger:   logger.With("module", "metrics"),
		messages: prometheus.NewDesc("archiver_messages", "Archived messages", nil, nil),
		members:  prometheus.NewDesc("archiver_members", "Known guild members, by state", []string{"state"}, nil),
		walTotal: prometheus.NewDesc("archiver_wal_entries", "Entries in the write-ahead buffer", nil, nil),
		walReady: prometheus.NewDesc("archiver_wal_ready_entries", "Write-ahead entries past the dwell time", nil, nil),
		dbBytes:  prometheus.NewDesc("archiver_store_size_bytes", "Size of the store file", nil, nil),
	}
}

func (c *archiveCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.members
	ch <- c.walTotal
	ch <- c.walReady
	ch <- c.dbBytes
}

func (c *archiveCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if n, err := c.store.CountMessages(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(n))
	} else {
		c.logger.Warn("failed to count messages for metrics", "err", err)
	}
	if total, left, err := c.store.CountMembers(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.members, prometheus.GaugeValue, float64(total-left), "present")
		ch <- prometheus.MustNewConstMetric(c.members, prometheus.GaugeValue, float64(left), "left")
	} else {
		c.logger.Warn("failed to count members for metrics", "err", err)
	}
	if c.buffer != nil {
		if st, err := c.buffer.Stats(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.walTotal, prometheus.GaugeValue, float64(st.TotalEntries))
			ch <- prometheus.MustNewConstMetric(c.walReady, prometheus.GaugeValue, float64(st.ReadyToProcess))
		} else {
			c.logger.Warn("failed to read write-ahead stats for metrics", "err", err)
		}
	}
	if size, err := c.store.Size(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.dbBytes, prometheus.GaugeValue, float64(size))
	}
}

// Handler returns the scrape mux for gatherer, with a liveness probe at /healthz.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
	})
	return mux
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lis, prometheus.DefaultGatherer, logger)
}

// ServeListener serves gatherer on lis until ctx is done.
func ServeListener(ctx context.Context, lis net.Listener, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{Handler: Handler(gatherer), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics server listening", "module", "metrics", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
