// Package state holds the crawl state shared by the backfill crawler and the live monitor.
package state

import (
	"context"
	"sync"

	"guild-archiver/models"
)

// CursorLister loads persisted crawl cursors.
type CursorLister interface {
	ListChannelCursors(ctx context.Context) ([]models.ChannelCursor, error)
}

// Tracker is the in-memory view of which channels accept live events.
// The crawler writes transitions, the monitor reads them on the hot path.
type Tracker struct {
	mu       sync.RWMutex
	excluded map[string]bool
	states   map[string]models.ChannelState
}

// NewTracker returns a tracker that ignores the given channel ids.
func NewTracker(exclude []string) *Tracker {
	t := &Tracker{
		excluded: make(map[string]bool, len(exclude)),
		states:   make(map[string]models.ChannelState),
	}
	for _, id := range exclude {
		t.excluded[id] = true
	}
	return t
}

// Load seeds channel states from the persisted cursors.
func (t *Tracker) Load(ctx context.Context, store CursorLister) error {
	cursors, err := store.ListChannelCursors(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cursors {
		t.states[c.ChannelID] = c.State()
	}
	return nil
}

// Excluded reports whether the channel is on the exclusion list.
func (t *Tracker) Excluded(channelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.excluded[channelID]
}

// State returns the live-capture state of a channel.
func (t *Tracker) State(channelID string) models.ChannelState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.excluded[channelID] {
		return models.ChannelNotMonitored
	}
	return t.states[channelID]
}

// MarkInProgress records that a backfill of channelID started.
func (t *Tracker) MarkInProgress(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[channelID] != models.ChannelCrawlComplete {
		t.states[channelID] = models.ChannelCrawlInProgress
	}
}

// MarkComplete records that the backfill of channelID finished.
func (t *Tracker) MarkComplete(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[channelID] = models.ChannelCrawlComplete
}

// Counts returns how many channels are in progress and complete.
func (t *Tracker) Counts() (inProgress, complete int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, s := range t.states {
		if t.excluded[id] {
			continue
		}
		switch s {
		case models.ChannelCrawlInProgress:
			inProgress++
		case models.ChannelCrawlComplete:
			complete++
		}
	}
	return inProgress, complete
}
