package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"guild-archiver/database"
	"guild-archiver/memory"
	"guild-archiver/models"
	"guild-archiver/source"
	"guild-archiver/state"
)

// ErrExportRunning is returned when an export is requested while another is running.
var ErrExportRunning = errors.New("an export is already running")

// Upstream is what the crawler needs from the chat platform.
type Upstream interface {
	source.HistorySource
	source.ChannelLister
}

// Progress is a snapshot of the running export.
type Progress struct {
	Channels      int
	Finished      int
	Active        int
	Processed     int64
	Stored        int64
	DroppedBots   int64
	Duplicates    int64
	StorageErrors int64
	RateLimitHits int64
	Elapsed       time.Duration
}

// StatusFunc receives throttled progress snapshots.
type StatusFunc func(ctx context.Context, p Progress)

// Crawler backfills channel history into the archive.
type Crawler struct {
	store    *database.Store
	upstream Upstream
	tracker  *state.Tracker
	governor *memory.Governor
	limiter  *rate.Limiter
	logger   *slog.Logger
	cfg      models.CrawlerConfig

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	running atomic.Bool

	processed     atomic.Int64
	stored        atomic.Int64
	droppedBots   atomic.Int64
	duplicates    atomic.Int64
	storageErrors atomic.Int64
	rateLimitHits atomic.Int64
	fetchCycles   atomic.Int64
	active        atomic.Int32
	finished      atomic.Int32
	channels      atomic.Int32

	statusMu   sync.Mutex
	status     StatusFunc
	lastStatus time.Time
	started    time.Time
}

// New builds a crawler. governor may be nil.
func New(store *database.Store, upstream Upstream, tracker *state.Tracker, governor *memory.Governor, cfg models.CrawlerConfig, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	c := &Crawler{
		store:    store,
		upstream: upstream,
		tracker:  tracker,
		governor: governor,
		logger:   logger.With("module", "scanner"),
		cfg:      cfg,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// SetSleeper replaces the rate-limit sleep.
func (c *Crawler) SetSleeper(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

// OnStatus registers the throttled progress callback.
func (c *Crawler) OnStatus(fn StatusFunc) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = fn
}

// Running reports whether an export is in progress.
func (c *Crawler) Running() bool {
	return c.running.Load()
}

// Progress returns the counters of the current or last export.
func (c *Crawler) Progress() Progress {
	c.statusMu.Lock()
	started := c.started
	c.statusMu.Unlock()
	p := Progress{
		Channels:      int(c.channels.Load()),
		Finished:      int(c.finished.Load()),
		Active:        int(c.active.Load()),
		Processed:     c.processed.Load(),
		Stored:        c.stored.Load(),
		DroppedBots:   c.droppedBots.Load(),
		Duplicates:    c.duplicates.Load(),
		StorageErrors: c.storageErrors.Load(),
		RateLimitHits: c.rateLimitHits.Load(),
	}
	if !started.IsZero() {
		p.Elapsed = c.now().Sub(started)
	}
	return p
}

// Export crawls every visible, non-excluded channel of the guild that has not been
// fully backfilled yet.
func (c *Crawler) Export(ctx context.Context, guildID string) (models.ExportSummary, error) {
	if !c.running.CompareAndSwap(false, true) {
		return models.ExportSummary{}, ErrExportRunning
	}
	defer c.running.Store(false)

	runID := ulid.Make().String()
	log := c.logger.With("run_id", runID, "guild_id", guildID)
	c.reset()

	channels, err := c.upstream.ListVisibleTextChannels(ctx, guildID)
	if err != nil {
		return models.ExportSummary{}, fmt.Errorf("failed to list channels: %w", err)
	}

	targets := make([]models.Channel, 0, len(channels))
	for _, ch := range channels {
		if c.tracker.Excluded(ch.ID) {
			continue
		}
		targets = append(targets, ch)
	}
	log.Info("export started", "channels", len(targets), "excluded", len(channels)-len(targets))

	results := c.CrawlAll(ctx, targets)

	summary := models.ExportSummary{
		RunID:         runID,
		Channels:      len(targets),
		Processed:     c.processed.Load(),
		Stored:        c.stored.Load(),
		DroppedBots:   c.droppedBots.Load(),
		Duplicates:    c.duplicates.Load(),
		StorageErrors: c.storageErrors.Load(),
		RateLimitHits: c.rateLimitHits.Load(),
		Elapsed:       c.Progress().Elapsed,
	}
	for _, r := range results {
		switch r.Outcome {
		case models.CrawlCompleted:
			summary.Completed++
		case models.CrawlSkipped:
			summary.Skipped++
		case models.CrawlTerminal:
			summary.Terminal++
		case models.CrawlFailed:
			summary.Failed++
		}
	}
	c.report(ctx, true)

	log.Info("export finished",
		"completed", summary.Completed,
		"skipped", summary.Skipped,
		"terminal", summary.Terminal,
		"failed", summary.Failed,
		"processed", summary.Processed,
		"stored", summary.Stored,
		"dropped_bots", summary.DroppedBots,
		"rate_limit_hits", summary.RateLimitHits,
		"elapsed", summary.Elapsed)
	return summary, nil
}

// CrawlAll crawls channels on a bounded worker pool and returns once every channel has
// reached a terminal state. Results are in the order of channels.
func (c *Crawler) CrawlAll(ctx context.Context, channels []models.Channel) []models.ChannelResult {
	c.channels.Add(int32(len(channels)))
	results := make([]models.ChannelResult, len(channels))

	p := pool.New().WithMaxGoroutines(c.cfg.Concurrency)
	for i, ch := range channels {
		i, ch := i, ch
		p.Go(func() {
			results[i] = c.CrawlChannel(ctx, ch)
			c.finished.Add(1)
			channelOutcomes.WithLabelValues(string(results[i].Outcome)).Inc()
			c.report(ctx, false)
		})
	}
	p.Wait()
	return results
}

// CrawlChannel pages backwards through one channel, resuming from its cursor.
func (c *Crawler) CrawlChannel(ctx context.Context, ch models.Channel) models.ChannelResult {
	res := models.ChannelResult{ChannelID: ch.ID}
	log := c.logger.With("channel_id", ch.ID, "channel", ch.Name)

	cur, err := c.store.StartChannelCrawl(ctx, ch.ID, ch.Name, c.now())
	if err != nil {
		log.Error("failed to start crawl", "err", err)
		res.Outcome, res.Err = models.CrawlFailed, err
		return res
	}
	if cur.FetchCompleted {
		c.tracker.MarkComplete(ch.ID)
		res.Outcome = models.CrawlSkipped
		return res
	}
	c.tracker.MarkInProgress(ch.ID)

	c.active.Add(1)
	activeCrawls.Inc()
	defer func() {
		c.active.Add(-1)
		activeCrawls.Dec()
	}()

	w := &channelWalk{c: c, ch: ch, log: log, before: cur.LastMessageID, oldest: cur.LastMessageID}
	if cur.LastMessageID != "" {
		log.Info("resuming crawl", "before", cur.LastMessageID)
	}
	w.run(ctx, &res)
	return res
}

// channelWalk is the state of one channel crawl.
type channelWalk struct {
	c      *Crawler
	ch     models.Channel
	log    *slog.Logger
	before string // pagination cursor for the next request
	oldest string // oldest message id processed so far
	batch  []models.Message
}

func (w *channelWalk) run(ctx context.Context, res *models.ChannelResult) {
	c := w.c
	pageSize := c.cfg.PageSize

	for {
		if err := w.gate(ctx); err != nil {
			w.flush(context.WithoutCancel(ctx), res)
			res.Outcome, res.Err = models.CrawlFailed, err
			return
		}

		page, err := c.upstream.FetchHistoryPage(ctx, w.ch.ID, w.before, pageSize)
		res.Pages++
		pagesFetched.Inc()
		if err != nil {
			if rl, ok := source.AsRateLimit(err); ok {
				c.rateLimitHits.Add(1)
				rateLimited.Inc()
				w.log.Info("rate limited, retrying page", "retry_after", rl.RetryAfter, "before", w.before)
				if err := c.sleep(ctx, rl.RetryAfter); err != nil {
					w.flush(context.WithoutCancel(ctx), res)
					res.Outcome, res.Err = models.CrawlFailed, err
					return
				}
				continue
			}

			w.flush(context.WithoutCancel(ctx), res)
			res.Err = err
			if source.IsTerminal(err) {
				w.log.Warn("channel no longer readable, abandoning crawl", "err", err)
				res.Outcome = models.CrawlTerminal
			} else {
				w.log.Error("history fetch failed, crawl can resume later", "err", err)
				res.Outcome = models.CrawlFailed
			}
			return
		}

		if len(page) == 0 {
			w.finish(ctx, res)
			return
		}

		w.accept(page, res)
		if len(w.batch) >= c.cfg.BatchSize {
			w.flush(ctx, res)
		}
		if len(page) < pageSize {
			w.finish(ctx, res)
			return
		}
		c.report(ctx, false)
	}
}

// gate blocks while a memory cleanup runs, checks memory every N fetch cycles and
// applies the client-side request pacing.
func (w *channelWalk) gate(ctx context.Context) error {
	c := w.c
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.governor != nil {
		if err := c.governor.Wait(ctx); err != nil {
			return err
		}
		cycle := c.fetchCycles.Add(1)
		if every := int64(c.cfg.MemoryCheckEvery); every > 0 && cycle%every == 0 {
			c.governor.CheckAndHandle(ctx, memory.TriggerCrawler)
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// accept filters a page into the pending batch and moves the cursor past it.
func (w *channelWalk) accept(page []models.Message, res *models.ChannelResult) {
	c := w.c
	for _, m := range page {
		res.Processed++
		c.processed.Add(1)
		if w.oldest == "" || models.OlderID(m.MessageID, w.oldest) {
			w.oldest = m.MessageID
		}
		if m.AuthorIsBot {
			c.droppedBots.Add(1)
			messagesSeen.WithLabelValues("bot").Inc()
			continue
		}
		if m.ChannelID == "" {
			m.ChannelID = w.ch.ID
		}
		w.batch = append(w.batch, m)
	}
	w.before = w.oldest
}

// flush writes the pending batch and persists the cursor at the oldest processed id.
func (w *channelWalk) flush(ctx context.Context, res *models.ChannelResult) {
	c := w.c
	if len(w.batch) > 0 {
		out, err := c.store.InsertMessageBatch(ctx, w.batch)
		c.stored.Add(int64(out.Stored))
		c.duplicates.Add(int64(out.Duplicates))
		c.storageErrors.Add(int64(out.Failed))
		res.Stored += out.Stored
		messagesSeen.WithLabelValues("stored").Add(float64(out.Stored))
		messagesSeen.WithLabelValues("failed").Add(float64(out.Failed))
		flushSize.Observe(float64(out.Stored))
		if err != nil {
			w.log.Error("batch flush failed", "rows", len(w.batch), "err", err)
			if ctx.Err() != nil {
				return
			}
		}
		w.batch = w.batch[:0]
	}
	if w.oldest == "" {
		return
	}
	if err := c.store.AdvanceChannelCursor(ctx, w.ch.ID, w.oldest, c.now()); err != nil {
		w.log.Error("failed to persist crawl cursor", "err", err)
	}
}

func (w *channelWalk) finish(ctx context.Context, res *models.ChannelResult) {
	c := w.c
	w.flush(ctx, res)
	if err := c.store.CompleteChannelCrawl(ctx, w.ch.ID, w.oldest, c.now()); err != nil {
		w.log.Error("failed to mark crawl complete", "err", err)
		res.Outcome, res.Err = models.CrawlFailed, err
		return
	}
	c.tracker.MarkComplete(w.ch.ID)
	res.Outcome = models.CrawlCompleted
	w.log.Info("crawl complete", "pages", res.Pages, "processed", res.Processed, "stored", res.Stored)
}

// report calls the status callback at most once per status interval, unless forced.
func (c *Crawler) report(ctx context.Context, force bool) {
	c.statusMu.Lock()
	fn := c.status
	now := c.now()
	if fn == nil || (!force && now.Sub(c.lastStatus) < c.cfg.StatusInterval) {
		c.statusMu.Unlock()
		return
	}
	c.lastStatus = now
	c.statusMu.Unlock()

	fn(ctx, c.Progress())
}

func (c *Crawler) reset() {
	for _, n := range []*atomic.Int64{&c.processed, &c.stored, &c.droppedBots, &c.duplicates, &c.storageErrors, &c.rateLimitHits} {
		n.Store(0)
	}
	c.active.Store(0)
	c.finished.Store(0)
	c.channels.Store(0)

	c.statusMu.Lock()
	c.started = c.now()
	c.lastStatus = time.Time{}
	c.statusMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
