// Package wal stages live messages before they are archived.
//
// A staged message waits out a dwell time, then a sweep claims it, checks the archive for
// a copy, re-reads it upstream and either archives it or drops it. Every failure between
// the claim and the final write releases the claim so a later sweep retries the entry.
package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"guild-archiver/database"
	"guild-archiver/models"
	"guild-archiver/source"
)

type outcome string

const (
	outcomeLost      outcome = "lost" // another sweep owns the claim
	outcomePromoted  outcome = "promoted"
	outcomeDuplicate outcome = "duplicate"
	outcomeGone      outcome = "gone"
	outcomeRetried   outcome = "retried"
)

// Buffer is the write-ahead staging area in front of the message archive.
type Buffer struct {
	store    *database.Store
	verifier source.MessageVerifier
	logger   *slog.Logger

	dwell time.Duration
	limit int
	now   func() time.Time
}

// New returns a Buffer over store that re-verifies entries through verifier.
func New(store *database.Store, verifier source.MessageVerifier, cfg models.WALConfig, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.SweepLimit
	if limit <= 0 {
		limit = 500
	}
	return &Buffer{
		store:    store,
		verifier: verifier,
		logger:   logger.With("module", "wal"),
		dwell:    cfg.DwellTime,
		limit:    limit,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (b *Buffer) SetClock(now func() time.Time) {
	b.now = now
}

// Recover releases claims left behind by a sweep that never finished. Call it before
// the sweep timer starts.
func (b *Buffer) Recover(ctx context.Context) error {
	n, err := b.store.ResetClaimedStagedMessages(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		b.logger.Warn("released stale write-ahead claims", "entries", n)
	}
	return nil
}

// Stage records a live message. Staging the same id twice is a no-op.
func (b *Buffer) Stage(ctx context.Context, m models.Message) (bool, error) {
	added, err := b.store.StageMessage(ctx, m, b.now())
	if err != nil {
		return false, err
	}
	if added {
		stagedTotal.Inc()
	}
	return added, nil
}

// Stats describes the staging table.
func (b *Buffer) Stats(ctx context.Context) (models.WALStats, error) {
	return b.store.StagingStats(ctx, b.now(), b.dwell)
}

// Sweep processes every entry that has waited out the dwell time. Per-entry failures are
// logged and left for the next sweep; only a failure to list entries is returned.
func (b *Buffer) Sweep(ctx context.Context) (models.SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var res models.SweepResult
	cutoff := b.now().Add(-b.dwell)
	ready, err := b.store.ReadyStagedMessages(ctx, cutoff, b.limit)
	if err != nil {
		return res, fmt.Errorf("failed to list ready entries: %w", err)
	}

	for _, entry := range ready {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		out := b.process(ctx, entry.Message)
		sweepOutcomes.WithLabelValues(string(out)).Inc()
		switch out {
		case outcomeLost:
			continue
		case outcomePromoted:
			res.Promoted++
		case outcomeDuplicate:
			res.Duplicates++
		case outcomeGone:
			res.Gone++
		case outcomeRetried:
			res.Retried++
		}
		res.Claimed++
	}

	if res.Claimed > 0 {
		b.logger.Info("sweep complete",
			"claimed", res.Claimed,
			"promoted", res.Promoted,
			"duplicates", res.Duplicates,
			"gone", res.Gone,
			"retried", res.Retried)
	}
	return res, nil
}

// process runs claim, dedupe, verify and commit for one entry.
func (b *Buffer) process(ctx context.Context, staged models.Message) outcome {
	log := b.logger.With("message_id", staged.MessageID, "channel_id", staged.ChannelID)

	won, err := b.store.ClaimStagedMessage(ctx, staged.MessageID)
	if err != nil {
		log.Error("failed to claim entry", "err", err)
		return outcomeLost
	}
	if !won {
		return outcomeLost
	}

	exists, err := b.store.MessageExists(ctx, staged.MessageID)
	if err != nil {
		return b.release(ctx, log, staged.MessageID, "duplicate check failed", err)
	}
	if exists {
		if err := b.store.DeleteStagedMessage(ctx, staged.MessageID); err != nil {
			return b.release(ctx, log, staged.MessageID, "failed to drop duplicate entry", err)
		}
		return outcomeDuplicate
	}

	current, err := b.verifier.FetchMessage(ctx, staged.ChannelID, staged.MessageID)
	if errors.Is(err, source.ErrNotFound) {
		if err := b.store.DeleteStagedMessage(ctx, staged.MessageID); err != nil {
			return b.release(ctx, log, staged.MessageID, "failed to drop deleted entry", err)
		}
		log.Debug("message deleted upstream before archiving")
		return outcomeGone
	}
	if err != nil {
		return b.release(ctx, log, staged.MessageID, "upstream verification failed", err)
	}

	if err := b.store.PromoteStagedMessage(ctx, refresh(staged, current)); err != nil {
		return b.release(ctx, log, staged.MessageID, "failed to archive entry", err)
	}
	return outcomePromoted
}

func (b *Buffer) release(ctx context.Context, log *slog.Logger, messageID, msg string, cause error) outcome {
	log.Warn(msg+", will retry", "err", cause)
	if err := b.store.ReleaseStagedMessage(ctx, messageID); err != nil {
		log.Error("failed to release claim, entry is recovered on restart", "err", err)
	}
	return outcomeRetried
}

// refresh copies the upstream's current body onto the staged snapshot.
func refresh(staged models.Message, current *models.Message) models.Message {
	if current == nil {
		return staged
	}
	out := staged
	out.Content = current.Content
	if current.Attachments != "" {
		out.Attachments = current.Attachments
	}
	if current.Embeds != "" {
		out.Embeds = current.Embeds
	}
	if current.Reactions != "" {
		out.Reactions = current.Reactions
	}
	if current.RoleMentions != "" {
		out.RoleMentions = current.RoleMentions
	}
	return out
}
