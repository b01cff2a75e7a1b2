// Package memory keeps the process under its configured memory ceiling.
package memory

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"

	"guild-archiver/models"
)

// Triggers passed to CheckAndHandle.
const (
	TriggerTimer   = "timer"
	TriggerCrawler = "crawler"
)

// Sampler reports the current memory usage in bytes.
type Sampler func() (uint64, error)

// ProcessRSS reads the resident set size from /proc, falling back to the Go runtime's
// view of memory obtained from the OS when procfs is unavailable.
func ProcessRSS() (uint64, error) {
	p, err := procfs.Self()
	if err == nil {
		var st procfs.ProcStat
		if st, err = p.Stat(); err == nil {
			return uint64(st.ResidentMemory()), nil
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys - ms.HeapReleased, nil
}

// Reclaim forces a collection and returns freed memory to the OS.
func Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Governor samples memory and pauses ingestion while it cleans up.
type Governor struct {
	logger  *slog.Logger
	limit   uint64
	pause   time.Duration
	sample  Sampler
	reclaim func()
	sleep   func(ctx context.Context, d time.Duration)

	inFlight atomic.Bool

	mu        sync.Mutex
	idle      chan struct{} // closed when the current cleanup ends; nil when none runs
	listeners []func(throttled bool)
}

// New builds a governor with an effective limit of LimitMB × ScaleFactor.
func New(cfg models.MemoryConfig, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	scale := cfg.ScaleFactor
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	return &Governor{
		logger:  logger.With("module", "memory"),
		limit:   uint64(float64(cfg.LimitMB) * 1024 * 1024 * scale),
		pause:   cfg.Pause,
		sample:  ProcessRSS,
		reclaim: Reclaim,
		sleep:   sleepCtx,
	}
}

// SetSampler replaces the memory sampler.
func (g *Governor) SetSampler(s Sampler) { g.sample = s }

// SetReclaimer replaces the reclamation pass.
func (g *Governor) SetReclaimer(fn func()) { g.reclaim = fn }

// SetSleeper replaces the escalation pause.
func (g *Governor) SetSleeper(fn func(ctx context.Context, d time.Duration)) { g.sleep = fn }

// EffectiveLimit is the byte threshold above which a cleanup runs.
func (g *Governor) EffectiveLimit() uint64 { return g.limit }

// OnThrottle registers fn to be told when ingestion pauses and resumes.
func (g *Governor) OnThrottle(fn func(throttled bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Throttled reports whether a cleanup is in flight.
func (g *Governor) Throttled() bool {
	return g.inFlight.Load()
}

// Wait blocks until no cleanup is in flight or ctx ends.
func (g *Governor) Wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckAndHandle samples memory and, when above the effective limit, runs one cleanup.
// Callers arriving while another cleanup is in flight return immediately. It reports
// whether this call ran a cleanup.
func (g *Governor) CheckAndHandle(ctx context.Context, trigger string) bool {
	usage, err := g.sample()
	if err != nil {
		g.logger.Warn("failed to sample memory", "err", err)
		return false
	}
	residentBytes.Set(float64(usage))
	if usage <= g.limit {
		return false
	}

	if !g.begin() {
		cleanups.WithLabelValues(trigger, "skipped").Inc()
		return false
	}
	defer g.end()

	g.logger.Warn("memory above limit, pausing ingestion",
		"trigger", trigger,
		"usage", humanize.IBytes(usage),
		"limit", humanize.IBytes(g.limit))

	g.reclaim()
	after, err := g.sample()
	if err != nil {
		g.logger.Warn("failed to sample memory after reclaim", "err", err)
		after = usage
	}
	residentBytes.Set(float64(after))

	if after > g.limit {
		g.logger.Warn("memory still above limit after reclaim, cooling down",
			"usage", humanize.IBytes(after),
			"pause", g.pause)
		g.sleep(ctx, g.pause)
		g.reclaim()
		cleanups.WithLabelValues(trigger, "escalated").Inc()
	} else {
		cleanups.WithLabelValues(trigger, "reclaimed").Inc()
	}

	g.logger.Info("memory cleanup finished", "freed", humanize.IBytes(saturatingSub(usage, after)))
	return true
}

// begin claims the in-flight flag. It returns false if another cleanup holds it.
func (g *Governor) begin() bool {
	g.mu.Lock()
	if !g.inFlight.CompareAndSwap(false, true) {
		g.mu.Unlock()
		return false
	}
	g.idle = make(chan struct{})
	listeners := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()

	throttled.Set(1)
	for _, fn := range listeners {
		fn(true)
	}
	return true
}

func (g *Governor) end() {
	g.mu.Lock()
	idle := g.idle
	g.idle = nil
	g.inFlight.Store(false)
	listeners := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()

	close(idle)
	throttled.Set(0)
	for _, fn := range listeners {
		fn(false)
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
