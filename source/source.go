// Package source is the boundary to the chat platform. Everything the archiver reads
// from upstream goes through the interfaces below, so the kernel can run against the
// Discord REST API or an in-memory fake.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guild-archiver/models"
)

var (
	// ErrNotFound means the channel, message or member no longer exists upstream.
	ErrNotFound = errors.New("source: not found")
	// ErrForbidden means the archiver lost access to the resource.
	ErrForbidden = errors.New("source: forbidden")
)

// RateLimitError asks the caller to wait RetryAfter and repeat the same request.
type RateLimitError struct {
	RetryAfter time.Duration
	Bucket     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source: rate limited, retry after %s", e.RetryAfter)
}

// IsTerminal reports whether err ends work on a resource for good.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}

// AsRateLimit unwraps a rate limit error, if err carries one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// StatusRef locates a progress message that can be edited in place.
type StatusRef struct {
	ChannelID string
	MessageID string
}

// Valid reports whether the ref points at a message.
func (r StatusRef) Valid() bool {
	return r.ChannelID != "" && r.MessageID != ""
}

// HistorySource pages through channel history.
type HistorySource interface {
	// FetchHistoryPage returns up to limit messages older than beforeID, newest first.
	// An empty beforeID starts from the newest message.
	FetchHistoryPage(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error)
}

// MessageVerifier re-reads a single message. It returns ErrNotFound when the message
// was deleted.
type MessageVerifier interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (*models.Message, error)
}

// MemberLookup reads current guild membership.
type MemberLookup interface {
	// FetchCurrentMember returns ErrNotFound when memberID is not in the guild.
	FetchCurrentMember(ctx context.Context, guildID, memberID string) (*models.GuildMember, error)
	MemberCount(ctx context.Context, guildID string) (int, error)
}

// ChannelLister enumerates the channels the archiver can read history from, threads included.
type ChannelLister interface {
	ListVisibleTextChannels(ctx context.Context, guildID string) ([]models.Channel, error)
}

// StatusEditor posts and edits progress messages.
type StatusEditor interface {
	PostStatusMessage(ctx context.Context, channelID, text string) (StatusRef, error)
	EditStatusMessage(ctx context.Context, ref StatusRef, text string) error
}

// Source is the full upstream capability set.
type Source interface {
	HistorySource
	MessageVerifier
	MemberLookup
	ChannelLister
	StatusEditor
}
