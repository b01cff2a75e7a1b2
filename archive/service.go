// Package archive is the operation surface used by slash commands and the CLI.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"guild-archiver/database"
	"guild-archiver/models"
	"guild-archiver/reconstruct"
	"guild-archiver/scanner"
	"guild-archiver/source"
	"guild-archiver/wal"
)

var (
	// ErrOffline is returned by operations that need the upstream when the
	// service was built without one.
	ErrOffline = errors.New("operation needs a connection to the guild")
	// ErrBusy is returned when a maintenance operation would overlap an export.
	ErrBusy = errors.New("an export is running, try again when it finishes")
)

// Service runs archive operations against one guild store.
type Service struct {
	store         *database.Store
	buffer        *wal.Buffer
	crawler       *scanner.Crawler
	reconstructor *reconstruct.Reconstructor
	status        source.StatusEditor
	logger        *slog.Logger

	exporting atomic.Bool
	// maint serialises vacuum and duplicate repair against each other.
	maint sync.Mutex
}

// New returns a service. crawler, reconstructor and status may be nil when the
// store is opened offline; the operations that need them then return ErrOffline.
func New(store *database.Store, buffer *wal.Buffer, crawler *scanner.Crawler, reconstructor *reconstruct.Reconstructor, status source.StatusEditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		buffer:        buffer,
		crawler:       crawler,
		reconstructor: reconstructor,
		status:        status,
		logger:        logger.With("module", "archive"),
	}
}

// Exporting reports whether StartExport is running.
func (s *Service) Exporting() bool { return s.exporting.Load() }

// StartExport backfills every visible channel of the guild. When statusChannelID
// is set a status message is posted there and edited as the export progresses.
// Status failures are logged and never fail the export.
func (s *Service) StartExport(ctx context.Context, guildID, statusChannelID string) (models.ExportSummary, error) {
	if s.crawler == nil {
		return models.ExportSummary{}, ErrOffline
	}
	if !s.exporting.CompareAndSwap(false, true) {
		return models.ExportSummary{}, scanner.ErrExportRunning
	}
	defer s.exporting.Store(false)

	ref := s.postStatus(ctx, statusChannelID, "Export starting…")
	if ref.Valid() {
		s.crawler.OnStatus(func(ctx context.Context, p scanner.Progress) {
			s.editStatus(ctx, ref, FormatProgress(p))
		})
		defer s.crawler.OnStatus(nil)
	}

	summary, err := s.crawler.Export(ctx, guildID)
	if err != nil {
		s.editStatus(context.WithoutCancel(ctx), ref, "Export failed: "+err.Error())
		return summary, err
	}
	s.editStatus(context.WithoutCancel(ctx), ref, FormatExportSummary(summary))
	return summary, nil
}

// ReconstructMembers infers departed members from message authorship.
func (s *Service) ReconstructMembers(ctx context.Context, guildID string) (models.ReconstructSummary, error) {
	if s.reconstructor == nil {
		return models.ReconstructSummary{}, ErrOffline
	}
	return s.reconstructor.LeftMembers(ctx, guildID)
}

// ReconstructRoles infers roles of departed members from history and mentions.
func (s *Service) ReconstructRoles(ctx context.Context) (models.ReconstructSummary, error) {
	if s.reconstructor == nil {
		return models.ReconstructSummary{}, ErrOffline
	}
	return s.reconstructor.Roles(ctx)
}

// CheckDuplicates counts surplus message rows without changing anything.
func (s *Service) CheckDuplicates(ctx context.Context) (int64, error) {
	return s.store.CheckDuplicates(ctx)
}

// RemoveDuplicates keeps the lowest row per message id and drops the rest.
func (s *Service) RemoveDuplicates(ctx context.Context) (int64, error) {
	s.maint.Lock()
	defer s.maint.Unlock()
	removed, err := s.store.RemoveDuplicates(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("duplicates removed", "rows", removed)
	return removed, nil
}

// GetStats describes the write-ahead buffer.
func (s *Service) GetStats(ctx context.Context) (models.WALStats, error) {
	return s.buffer.Stats(ctx)
}

// MemberStats returns the most recent days of member counters.
func (s *Service) MemberStats(ctx context.Context, days int) ([]models.MemberStat, error) {
	return s.store.GetMemberStats(ctx, days)
}

// Vacuum compacts the store. It refuses to run during an export.
func (s *Service) Vacuum(ctx context.Context) (models.VacuumResult, error) {
	if s.exporting.Load() {
		return models.VacuumResult{}, ErrBusy
	}
	s.maint.Lock()
	defer s.maint.Unlock()
	return s.store.Vacuum(ctx)
}

func (s *Service) postStatus(ctx context.Context, channelID, text string) source.StatusRef {
	if s.status == nil || channelID == "" {
		return source.StatusRef{}
	}
	ref, err := s.status.PostStatusMessage(ctx, channelID, text)
	if err != nil {
		s.logger.Warn("failed to post status message", "channel_id", channelID, "err", err)
		return source.StatusRef{}
	}
	return ref
}

func (s *Service) editStatus(ctx context.Context, ref source.StatusRef, text string) {
	if s.status == nil || !ref.Valid() {
		return
	}
	if err := s.status.EditStatusMessage(ctx, ref, text); err != nil {
		s.logger.Warn("failed to edit status message", "message_id", ref.MessageID, "err", err)
	}
}
