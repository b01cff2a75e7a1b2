package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/models"
)

type cursorList []models.ChannelCursor

func (c cursorList) ListChannelCursors(context.Context) ([]models.ChannelCursor, error) {
	return c, nil
}

func TestTrackerStates(t *testing.T) {
	tr := NewTracker([]string{"excluded"})
	require.NoError(t, tr.Load(context.Background(), cursorList{
		{ChannelID: "done", FetchStarted: true, FetchCompleted: true},
		{ChannelID: "half", FetchStarted: true},
		{ChannelID: "excluded", FetchStarted: true, FetchCompleted: true},
	}))

	assert.Equal(t, models.ChannelCrawlComplete, tr.State("done"))
	assert.Equal(t, models.ChannelCrawlInProgress, tr.State("half"))
	assert.Equal(t, models.ChannelNotMonitored, tr.State("unknown"))
	assert.Equal(t, models.ChannelNotMonitored, tr.State("excluded"))
	assert.True(t, tr.Excluded("excluded"))

	tr.MarkInProgress("done")
	assert.Equal(t, models.ChannelCrawlComplete, tr.State("done"), "completion is never undone")

	tr.MarkInProgress("new")
	assert.True(t, tr.State("new").Monitored())
	tr.MarkComplete("new")

	inProgress, complete := tr.Counts()
	assert.Equal(t, 1, inProgress)
	assert.Equal(t, 2, complete)
}
