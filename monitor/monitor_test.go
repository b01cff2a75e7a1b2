package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/database"
	"guild-archiver/models"
	"guild-archiver/source/sourcetest"
	"guild-archiver/state"
	"guild-archiver/wal"
)

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	store, err := database.Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	fake := sourcetest.New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buf := wal.New(store, fake, models.WALConfig{DwellTime: time.Minute}, nil)
	buf.SetClock(func() time.Time { return now })

	tracker := state.NewTracker([]string{"excluded"})
	tracker.MarkInProgress("crawling")
	tracker.MarkInProgress("done")
	tracker.MarkComplete("done")
	tracker.MarkInProgress("excluded")

	m := New(tracker, buf, nil)
	msg := func(id, channel string, bot bool) models.Message {
		return models.Message{MessageID: id, ChannelID: channel, AuthorID: "u", AuthorIsBot: bot, Timestamp: now.UnixMilli()}
	}

	assert.Equal(t, DecisionStaged, m.HandleMessage(ctx, msg("1", "crawling", false)))
	assert.Equal(t, DecisionStaged, m.HandleMessage(ctx, msg("2", "done", false)))
	assert.Equal(t, DecisionAlreadyStaged, m.HandleMessage(ctx, msg("2", "done", false)))
	assert.Equal(t, DecisionBot, m.HandleMessage(ctx, msg("3", "done", true)))
	assert.Equal(t, DecisionUnmonitored, m.HandleMessage(ctx, msg("4", "never-crawled", false)))
	assert.Equal(t, DecisionUnmonitored, m.HandleMessage(ctx, msg("5", "excluded", false)))

	stats, err := buf.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)

	// Once the dwell time passes the sweep archives both.
	fake.AddLiveMessage(msg("1", "crawling", false))
	fake.AddLiveMessage(msg("2", "done", false))
	now = now.Add(2 * time.Minute)
	m.Sweep(ctx)

	n, err := store.CountMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
