package models

import "time"

// ExportSummary is returned by a full guild backfill.
type ExportSummary struct {
	RunID         string
	Channels      int
	Completed     int
	Skipped       int
	Terminal      int
	Failed        int
	Processed     int64
	Stored        int64
	DroppedBots   int64
	Duplicates    int64
	StorageErrors int64
	RateLimitHits int64
	Elapsed       time.Duration
}

// Errors is the count of channels and rows that did not make it into the archive.
func (s ExportSummary) Errors() int64 {
	return int64(s.Terminal+s.Failed) + s.StorageErrors
}

// ReconstructSummary is returned by member and role reconstruction.
type ReconstructSummary struct {
	RunID      string
	Candidates int
	StillThere int // candidates confirmed to still be members
	Written    int
	Batches    int
	Errors     int
	Elapsed    time.Duration
}

// WALStats describes the write-ahead staging table.
type WALStats struct {
	TotalEntries   int
	ReadyToProcess int
	OldestAge      time.Duration
	NewestAge      time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Claimed    int
	Promoted   int
	Duplicates int
	Gone       int
	Retried    int
}

// VacuumResult reports the store file size around a VACUUM.
type VacuumResult struct {
	SizeBefore   int64
	SizeAfter    int64
	PercentSaved float64
}
