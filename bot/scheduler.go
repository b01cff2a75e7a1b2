package bot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"guild-archiver/memory"
)

// Scheduler runs the independent timers: write-ahead sweep, memory check and the
// daily member count snapshot. The jobs share only the store and the bot's context.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}

func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

// newScheduler registers the jobs of b.
func newScheduler(b *Bot) (*Scheduler, error) {
	logger := b.Logger.With("module", "scheduler")
	cl := cronLogger{l: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"wal-sweep", every(b.Config.WAL.SweepInterval), func() {
			b.Monitor.Sweep(b.ctx)
		}},
		{"memory-check", every(b.Config.Memory.CheckInterval), func() {
			b.Governor.CheckAndHandle(b.ctx, memory.TriggerTimer)
		}},
		{"member-snapshot", "@daily", func() {
			if err := b.Members.SnapshotTotal(b.ctx, b.Source, b.GuildID); err != nil {
				logger.Error("member count snapshot failed", "err", err)
			}
		}},
	}
	for _, job := range jobs {
		if _, err := c.AddFunc(job.spec, job.fn); err != nil {
			return nil, fmt.Errorf("could not schedule %s (%s): %w", job.name, job.spec, err)
		}
		logger.Info("job scheduled", "job", job.name, "spec", job.spec)
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

// Start starts the cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
