package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"guild-archiver/models"
	"guild-archiver/scanner"
)

// FormatProgress renders a running export for the status message.
func FormatProgress(p scanner.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Export running** (%s)\n", p.Elapsed.Truncate(time.Second))
	fmt.Fprintf(&b, "Channels: %d/%d done, %d active\n", p.Finished, p.Channels, p.Active)
	fmt.Fprintf(&b, "Messages: %s processed, %s stored, %s bot messages dropped\n",
		humanize.Comma(p.Processed), humanize.Comma(p.Stored), humanize.Comma(p.DroppedBots))
	if p.StorageErrors > 0 || p.RateLimitHits > 0 {
		fmt.Fprintf(&b, "Storage errors: %s, rate limits: %s\n",
			humanize.Comma(p.StorageErrors), humanize.Comma(p.RateLimitHits))
	}
	return b.String()
}

// FormatExportSummary renders a finished export.
func FormatExportSummary(s models.ExportSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Export finished** in %s (run %s)\n", s.Elapsed.Truncate(time.Second), s.RunID)
	fmt.Fprintf(&b, "Channels: %d total, %d completed, %d already done, %d inaccessible, %d failed\n",
		s.Channels, s.Completed, s.Skipped, s.Terminal, s.Failed)
	fmt.Fprintf(&b, "Messages: %s processed, %s stored, %s duplicates, %s bot messages dropped\n",
		humanize.Comma(s.Processed), humanize.Comma(s.Stored), humanize.Comma(s.Duplicates), humanize.Comma(s.DroppedBots))
	fmt.Fprintf(&b, "Errors: %s, rate limits: %s", humanize.Comma(s.Errors()), humanize.Comma(s.RateLimitHits))
	return b.String()
}

// FormatReconstructSummary renders a reconstruction run.
func FormatReconstructSummary(kind string, s models.ReconstructSummary) string {
	text := fmt.Sprintf("**%s reconstruction finished** in %s (run %s)\nCandidates: %s, written: %s, batches: %d, errors: %d",
		kind, s.Elapsed.Truncate(time.Millisecond), s.RunID,
		humanize.Comma(int64(s.Candidates)), humanize.Comma(int64(s.Written)), s.Batches, s.Errors)
	if s.StillThere > 0 {
		text += fmt.Sprintf(", still members: %s", humanize.Comma(int64(s.StillThere)))
	}
	return text + "\nReconstructed data is inferred from message history and may be incomplete."
}

// FormatWALStats renders the write-ahead buffer state.
func FormatWALStats(s models.WALStats) string {
	if s.TotalEntries == 0 {
		return "Write-ahead buffer is empty."
	}
	return fmt.Sprintf("Write-ahead buffer: %s entries, %s ready\nOldest: %s old, newest: %s old",
		humanize.Comma(int64(s.TotalEntries)), humanize.Comma(int64(s.ReadyToProcess)),
		s.OldestAge.Truncate(time.Second), s.NewestAge.Truncate(time.Second))
}

// FormatVacuum renders a vacuum result.
func FormatVacuum(r models.VacuumResult) string {
	return fmt.Sprintf("Vacuum complete: %s → %s (%.1f%% saved)",
		humanize.Bytes(uint64(r.SizeBefore)), humanize.Bytes(uint64(r.SizeAfter)), r.PercentSaved)
}

// FormatMemberStats renders daily member counters, newest first.
func FormatMemberStats(stats []models.MemberStat) string {
	if len(stats) == 0 {
		return "No member statistics recorded yet."
	}
	var b strings.Builder
	b.WriteString("date        total  joins  leaves  role gains\n")
	for _, st := range stats {
		fmt.Fprintf(&b, "%s  %5d  %5d  %6d  %10d\n", st.Date, st.TotalMembers, st.Joins, st.Leaves, st.RoleGains)
	}
	return b.String()
}
