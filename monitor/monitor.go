// Package monitor routes live messages into the write-ahead buffer.
package monitor

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"guild-archiver/models"
	"guild-archiver/state"
	"guild-archiver/wal"
)

var liveEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_monitor_live_messages_total",
	Help: "Live message events, by decision",
}, []string{"decision"})

// Decision is what the monitor did with a live message.
type Decision string

const (
	DecisionStaged        Decision = "staged"
	DecisionAlreadyStaged Decision = "already_staged"
	DecisionBot           Decision = "bot"
	DecisionUnmonitored   Decision = "unmonitored"
	DecisionError         Decision = "error"
)

// Monitor decides, per live message, whether it may be archived.
type Monitor struct {
	tracker *state.Tracker
	buffer  *wal.Buffer
	logger  *slog.Logger
}

// New returns a monitor staging into buffer.
func New(tracker *state.Tracker, buffer *wal.Buffer, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{tracker: tracker, buffer: buffer, logger: logger.With("module", "monitor")}
}

// HandleMessage stages m when its channel is being or has been backfilled and its
// author is not a bot. Nothing else happens on this path.
func (m *Monitor) HandleMessage(ctx context.Context, msg models.Message) Decision {
	d := m.decide(ctx, msg)
	liveEvents.WithLabelValues(string(d)).Inc()
	return d
}

func (m *Monitor) decide(ctx context.Context, msg models.Message) Decision {
	if msg.AuthorIsBot {
		return DecisionBot
	}
	if !m.tracker.State(msg.ChannelID).Monitored() {
		return DecisionUnmonitored
	}
	added, err := m.buffer.Stage(ctx, msg)
	if err != nil {
		m.logger.Error("failed to stage live message", "message_id", msg.MessageID, "channel_id", msg.ChannelID, "err", err)
		return DecisionError
	}
	if !added {
		return DecisionAlreadyStaged
	}
	return DecisionStaged
}

// Sweep promotes staged messages that have waited out the dwell time. Failures are
// logged; the next tick retries.
func (m *Monitor) Sweep(ctx context.Context) {
	if _, err := m.buffer.Sweep(ctx); err != nil {
		m.logger.Error("write-ahead sweep failed", "err", err)
	}
}
