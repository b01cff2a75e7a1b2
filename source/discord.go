package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"guild-archiver/models"
)

// Discord implements Source over a discordgo session's REST client.
type Discord struct {
	session *discordgo.Session
	logger  *slog.Logger

	selfOnce sync.Once
	selfID   string
	selfErr  error
}

// NewDiscord wraps s. Rate limits are surfaced to callers instead of being retried
// inside discordgo, so the crawler can count and honour them.
func NewDiscord(s *discordgo.Session, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	s.ShouldRetryOnRateLimit = false
	return &Discord{session: s, logger: logger.With("module", "source")}
}

// Session returns the wrapped session.
func (d *Discord) Session() *discordgo.Session {
	return d.session
}

// FetchHistoryPage implements HistorySource.
func (d *Discord) FetchHistoryPage(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	msgs, err := d.session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		out = append(out, ConvertMessage(m))
	}
	return out, nil
}

// FetchMessage implements MessageVerifier.
func (d *Discord) FetchMessage(ctx context.Context, channelID, messageID string) (*models.Message, error) {
	m, err := d.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	msg := ConvertMessage(m)
	return &msg, nil
}

// FetchCurrentMember implements MemberLookup.
func (d *Discord) FetchCurrentMember(ctx context.Context, guildID, memberID string) (*models.GuildMember, error) {
	m, err := d.session.GuildMember(guildID, memberID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	gm := ConvertMember(m, time.Now())
	return &gm, nil
}

// MemberCount implements MemberLookup using the guild's approximate count.
func (d *Discord) MemberCount(ctx context.Context, guildID string) (int, error) {
	g, err := d.session.GuildWithCounts(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, classify(err)
	}
	return g.ApproximateMemberCount, nil
}

// ListVisibleTextChannels implements ChannelLister. It returns text and announcement
// channels the bot can read history in, plus their active and archived threads,
// forum posts included.
func (d *Discord) ListVisibleTextChannels(ctx context.Context, guildID string) ([]models.Channel, error) {
	selfID, err := d.self(ctx)
	if err != nil {
		return nil, err
	}

	channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}

	var (
		out     []models.Channel
		parents = make(map[string]bool)
	)
	for _, ch := range channels {
		switch ch.Type {
		case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews, discordgo.ChannelTypeGuildForum:
		default:
			continue
		}
		if !d.canReadHistory(ctx, selfID, ch.ID) {
			d.logger.Debug("skipping channel without history access", "channel_id", ch.ID, "name", ch.Name)
			continue
		}
		parents[ch.ID] = true
		// Forum channels hold no messages of their own, only posts.
		if ch.Type != discordgo.ChannelTypeGuildForum {
			out = append(out, models.Channel{ID: ch.ID, Name: ch.Name})
		}
	}

	seen := make(map[string]bool)
	addThread := func(th *discordgo.Channel) {
		if seen[th.ID] || !parents[th.ParentID] {
			return
		}
		seen[th.ID] = true
		out = append(out, models.Channel{ID: th.ID, Name: th.Name, ParentID: th.ParentID, IsThread: true})
	}

	active, err := d.session.GuildThreadsActive(guildID, discordgo.WithContext(ctx))
	if err != nil {
		d.logger.Warn("failed to list active threads", "guild_id", guildID, "err", err)
	} else {
		for _, th := range active.Threads {
			addThread(th)
		}
	}

	for parentID := range parents {
		var before *time.Time
		for {
			archived, err := d.session.ThreadsArchived(parentID, before, 100, discordgo.WithContext(ctx))
			if err != nil {
				d.logger.Warn("failed to list archived threads", "channel_id", parentID, "err", err)
				break
			}
			if len(archived.Threads) == 0 {
				break
			}
			for _, th := range archived.Threads {
				addThread(th)
				if th.ThreadMetadata != nil {
					t := th.ThreadMetadata.ArchiveTimestamp
					before = &t
				}
			}
			if !archived.HasMore {
				break
			}
		}
	}
	return out, nil
}

// PostStatusMessage implements StatusEditor.
func (d *Discord) PostStatusMessage(ctx context.Context, channelID, text string) (StatusRef, error) {
	m, err := d.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return StatusRef{}, classify(err)
	}
	return StatusRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

// EditStatusMessage implements StatusEditor.
func (d *Discord) EditStatusMessage(ctx context.Context, ref StatusRef, text string) error {
	if !ref.Valid() {
		return nil
	}
	if _, err := d.session.ChannelMessageEdit(ref.ChannelID, ref.MessageID, text, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Discord) self(ctx context.Context) (string, error) {
	d.selfOnce.Do(func() {
		if d.session.State != nil && d.session.State.User != nil {
			d.selfID = d.session.State.User.ID
			return
		}
		u, err := d.session.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			d.selfErr = fmt.Errorf("failed to resolve bot user: %w", classify(err))
			return
		}
		d.selfID = u.ID
	})
	return d.selfID, d.selfErr
}

func (d *Discord) canReadHistory(ctx context.Context, userID, channelID string) bool {
	perms, err := d.session.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		d.logger.Debug("failed to resolve channel permissions", "channel_id", channelID, "err", err)
		return false
	}
	const need = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory
	return perms&need == need
}

// classify maps discordgo errors onto the source error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &RateLimitError{RetryAfter: rl.RetryAfter, Bucket: rl.Bucket}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		case http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: time.Second}
		}
	}
	return err
}
