package archive

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/database"
	"guild-archiver/models"
	"guild-archiver/reconstruct"
	"guild-archiver/scanner"
	"guild-archiver/source/sourcetest"
	"guild-archiver/state"
	"guild-archiver/wal"
)

var epoch = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *database.Store, *sourcetest.Fake) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := sourcetest.New()
	tracker := state.NewTracker(nil)
	buf := wal.New(store, fake, models.WALConfig{DwellTime: time.Minute}, nil)
	crawler := scanner.New(store, fake, tracker, nil, models.CrawlerConfig{PageSize: 50}, nil)
	rec := reconstruct.New(store, fake, models.ReconstructConfig{}, nil)
	return New(store, buf, crawler, rec, fake, nil), store, fake
}

func TestStartExportEditsStatusMessage(t *testing.T) {
	ctx := context.Background()
	svc, store, fake := newService(t)
	fake.AddChannel(models.Channel{ID: "c1"}, sourcetest.History("c1", 100000, 120, epoch, 0))
	fake.AddChannel(models.Channel{ID: "c2"}, sourcetest.History("c2", 200000, 30, epoch, 0))

	summary, err := svc.StartExport(ctx, "guild", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.EqualValues(t, 150, summary.Stored)
	assert.False(t, svc.Exporting())

	log := fake.StatusLog()
	require.GreaterOrEqual(t, len(log), 3)
	assert.Equal(t, "Export starting…", log[0])
	assert.Contains(t, log[1], "Export running")
	assert.True(t, strings.HasPrefix(log[len(log)-1], "**Export finished**"))
	assert.Contains(t, log[len(log)-1], "150 stored")

	n, err := store.CountMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 150, n)
}

func TestStartExportWithoutStatusChannel(t *testing.T) {
	svc, _, fake := newService(t)
	fake.AddChannel(models.Channel{ID: "c1"}, sourcetest.History("c1", 100000, 10, epoch, 0))

	_, err := svc.StartExport(context.Background(), "guild", "")
	require.NoError(t, err)
	assert.Empty(t, fake.StatusLog())
}

func TestOfflineService(t *testing.T) {
	ctx := context.Background()
	store, err := database.Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	svc := New(store, wal.New(store, nil, models.WALConfig{}, nil), nil, nil, nil, nil)

	_, err = svc.StartExport(ctx, "guild", "")
	assert.ErrorIs(t, err, ErrOffline)
	_, err = svc.ReconstructMembers(ctx, "guild")
	assert.ErrorIs(t, err, ErrOffline)
	_, err = svc.ReconstructRoles(ctx)
	assert.ErrorIs(t, err, ErrOffline)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.Equal(t, "Write-ahead buffer is empty.", FormatWALStats(stats))

	dups, err := svc.CheckDuplicates(ctx)
	require.NoError(t, err)
	assert.Zero(t, dups)
	removed, err := svc.RemoveDuplicates(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	res, err := svc.Vacuum(ctx)
	require.NoError(t, err)
	assert.Positive(t, res.SizeBefore)
	assert.Contains(t, FormatVacuum(res), "Vacuum complete")
}

func TestReconstructThroughService(t *testing.T) {
	ctx := context.Background()
	svc, store, fake := newService(t)
	fake.AddChannel(models.Channel{ID: "c1"}, sourcetest.History("c1", 100000, 20, epoch, 0))
	fake.AddMember(models.GuildMember{MemberID: "user-0"})

	_, err := svc.StartExport(ctx, "guild", "")
	require.NoError(t, err)

	sum, err := svc.ReconstructMembers(ctx, "guild")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Candidates)
	assert.Equal(t, 1, sum.StillThere)
	assert.Equal(t, 4, sum.Written)
	assert.Contains(t, FormatReconstructSummary("Member", sum), "written: 4")

	_, left, err := store.CountMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, left)

	roles, err := svc.ReconstructRoles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, roles.Candidates)
	assert.Zero(t, roles.Written)
}
