package wal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/database"
	"guild-archiver/models"
	"guild-archiver/source/sourcetest"
)

type harness struct {
	store *database.Store
	fake  *sourcetest.Fake
	buf   *Buffer
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store: store,
		fake:  sourcetest.New(),
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.buf = New(store, h.fake, models.WALConfig{DwellTime: 5 * time.Minute, SweepLimit: 100}, nil)
	h.buf.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) liveMessage(id string, age time.Duration) models.Message {
	ts := h.now.Add(-age)
	m := models.Message{
		MessageID:    id,
		ChannelID:    "c1",
		Content:      "original " + id,
		AuthorID:     "u1",
		AuthorName:   "alice",
		Timestamp:    ts.UnixMilli(),
		TimestampISO: ts.Format(time.RFC3339Nano),
	}
	h.fake.AddLiveMessage(m)
	return m
}

func TestStageIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.liveMessage("1", time.Minute)

	added, err := h.buf.Stage(ctx, m)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = h.buf.Stage(ctx, m)
	require.NoError(t, err)
	assert.False(t, added)

	stats, err := h.buf.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 0, stats.ReadyToProcess)
}

func TestSweepRespectsDwellTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.liveMessage("1", time.Minute)
	_, err := h.buf.Stage(ctx, m)
	require.NoError(t, err)

	res, err := h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	exists, err := h.store.MessageExists(ctx, "1")
	require.NoError(t, err)
	assert.False(t, exists, "young entries are never promoted")

	h.now = h.now.Add(4 * time.Minute)
	res, err = h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SweepResult{Claimed: 1, Promoted: 1}, res)

	exists, err = h.store.MessageExists(ctx, "1")
	require.NoError(t, err)
	assert.True(t, exists)
	staged, err := h.store.GetStagedMessage(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, staged)
}

func TestSweepDropsDuplicatesAndDeletedMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dup := h.liveMessage("1", 10*time.Minute)
	require.NoError(t, h.store.UpsertMessage(ctx, dup))
	gone := h.liveMessage("2", 10*time.Minute)
	h.fake.DeleteMessage("2")

	for _, m := range []models.Message{dup, gone} {
		_, err := h.buf.Stage(ctx, m)
		require.NoError(t, err)
	}

	res, err := h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SweepResult{Claimed: 2, Duplicates: 1, Gone: 1}, res)

	n, err := h.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	stats, err := h.buf.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestSweepRetriesAfterVerifyFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.liveMessage("1", 10*time.Minute)
	_, err := h.buf.Stage(ctx, m)
	require.NoError(t, err)

	h.fake.FailVerify("1", errors.New("gateway timeout"))
	res, err := h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SweepResult{Claimed: 1, Retried: 1}, res)

	staged, err := h.store.GetStagedMessage(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.False(t, staged.Processed, "claim is released for the next sweep")

	h.fake.FailVerify("1", nil)
	res, err = h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
}

func TestSweepRetriesAfterStorageFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.liveMessage("1", 10*time.Minute)
	_, err := h.buf.Stage(ctx, m)
	require.NoError(t, err)

	_, err = h.store.DB().Exec(`CREATE TRIGGER block_archive BEFORE INSERT ON messages
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	res, err := h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	_, err = h.store.DB().Exec(`DROP TRIGGER block_archive`)
	require.NoError(t, err)
	res, err = h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
}

func TestSweepArchivesCurrentUpstreamContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.liveMessage("1", 10*time.Minute)
	_, err := h.buf.Stage(ctx, m)
	require.NoError(t, err)

	edited := m
	edited.Content = "edited"
	edited.RoleMentions = `["9"]`
	h.fake.AddLiveMessage(edited)

	_, err = h.buf.Sweep(ctx)
	require.NoError(t, err)
	got, err := h.store.GetMessage(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, `["9"]`, got.RoleMentions)
	assert.Equal(t, "alice", got.AuthorName)
}

func TestConcurrentSweepsPromoteOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 40
	for i := 0; i < n; i++ {
		_, err := h.buf.Stage(ctx, h.liveMessage(fmt.Sprintf("%03d", i), 10*time.Minute))
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []models.SweepResult
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.buf.Sweep(ctx)
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	promoted := 0
	for _, r := range results {
		promoted += r.Promoted
		assert.Zero(t, r.Retried)
	}
	assert.Equal(t, n, promoted)

	count, err := h.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, n, count)
}

func TestRecoverReleasesStaleClaims(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.buf.Stage(ctx, h.liveMessage("1", 10*time.Minute))
	require.NoError(t, err)
	won, err := h.store.ClaimStagedMessage(ctx, "1")
	require.NoError(t, err)
	require.True(t, won)

	res, err := h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "claimed entries are not listed")

	require.NoError(t, h.buf.Recover(ctx))
	res, err = h.buf.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
}
