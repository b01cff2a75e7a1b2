package models

// ChannelState is the live-capture state of a channel.
type ChannelState int

const (
	// ChannelNotMonitored channels have no backfill scheduled, or are excluded.
	ChannelNotMonitored ChannelState = iota
	// ChannelCrawlInProgress channels have started but not finished their backfill.
	ChannelCrawlInProgress
	// ChannelCrawlComplete channels have a finished backfill.
	ChannelCrawlComplete
)

func (s ChannelState) String() string {
	switch s {
	case ChannelCrawlInProgress:
		return "crawl-in-progress"
	case ChannelCrawlComplete:
		return "crawl-complete"
	default:
		return "not-monitored"
	}
}

// Monitored reports whether live events for the channel may be archived.
func (s ChannelState) Monitored() bool {
	return s == ChannelCrawlInProgress || s == ChannelCrawlComplete
}

// Channel is a text channel or thread visible to the archiver.
type Channel struct {
	ID       string
	Name     string
	ParentID string
	IsThread bool
}

// ChannelCursor is the persisted backfill progress of one channel.
type ChannelCursor struct {
	ChannelID      string `db:"channel_id"`
	Name           string `db:"name"`
	FetchStarted   bool   `db:"fetch_started"`
	FetchCompleted bool   `db:"fetch_completed"`
	LastMessageID  string `db:"last_message_id"`
	LastActivity   int64  `db:"last_activity"`
}

// State derives the channel state from the cursor.
func (c ChannelCursor) State() ChannelState {
	switch {
	case c.FetchCompleted:
		return ChannelCrawlComplete
	case c.FetchStarted:
		return ChannelCrawlInProgress
	default:
		return ChannelNotMonitored
	}
}

// CrawlOutcome is how a single channel crawl ended.
type CrawlOutcome string

const (
	CrawlCompleted CrawlOutcome = "completed"
	CrawlSkipped   CrawlOutcome = "skipped"  // already completed earlier
	CrawlTerminal  CrawlOutcome = "terminal" // not found / forbidden
	CrawlFailed    CrawlOutcome = "failed"   // resumable later
)

// ChannelResult summarises one channel crawl.
type ChannelResult struct {
	ChannelID string
	Outcome   CrawlOutcome
	Pages     int
	Processed int
	Stored    int
	Err       error
}
