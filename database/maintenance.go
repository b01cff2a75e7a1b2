package database

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"guild-archiver/models"
)

// Vacuum checkpoints the SQLite journal, rebuilds the database file and reports the
// file size before and after.
func (s *Store) Vacuum(ctx context.Context) (models.VacuumResult, error) {
	var res models.VacuumResult

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return res, fmt.Errorf("failed to checkpoint before vacuum: %w", err)
	}
	before, err := fileSize(s.path)
	if err != nil {
		return res, err
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return res, fmt.Errorf("failed to vacuum database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return res, fmt.Errorf("failed to checkpoint after vacuum: %w", err)
	}
	after, err := fileSize(s.path)
	if err != nil {
		return res, err
	}

	res.SizeBefore = before
	res.SizeAfter = after
	if before > 0 {
		res.PercentSaved = float64(before-after) / float64(before) * 100
	}
	s.logger.Info("vacuum complete",
		"before", humanize.Bytes(uint64(before)),
		"after", humanize.Bytes(uint64(after)),
		"saved_pct", fmt.Sprintf("%.1f", res.PercentSaved))
	return res, nil
}

// Size returns the current database file size in bytes.
func (s *Store) Size() (int64, error) {
	return fileSize(s.path)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat database file: %w", err)
	}
	return fi.Size(), nil
}
