package models

import "time"

// Message represents an archived guild message.
// Attachments, Embeds, Reactions and RoleMentions hold JSON-encoded payloads.
type Message struct {
	MessageID    string `json:"message_id" db:"message_id"`
	ChannelID    string `json:"channel_id" db:"channel_id"`
	Content      string `json:"content" db:"content"`
	AuthorID     string `json:"author_id" db:"author_id"`
	AuthorName   string `json:"author_name" db:"author_name"`
	AuthorIsBot  bool   `json:"author_is_bot" db:"author_is_bot"`
	Timestamp    int64  `json:"timestamp" db:"timestamp"` // epoch milliseconds
	TimestampISO string `json:"timestamp_iso" db:"timestamp_iso"`
	Attachments  string `json:"attachments" db:"attachments"`     // JSON array of Attachment
	Embeds       string `json:"embeds" db:"embeds"`               // JSON array of EmbedSummary
	Reactions    string `json:"reactions" db:"reactions"`         // JSON array of ReactionSummary
	RoleMentions string `json:"role_mentions" db:"role_mentions"` // JSON array of role IDs
}

// StagedMessage is a live message waiting in the write-ahead table.
type StagedMessage struct {
	Message
	Processed bool  `json:"processed" db:"processed"`
	StagedAt  int64 `json:"staged_at" db:"staged_at"`
}

// Age returns how long ago the message was created relative to now.
func (m Message) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.Timestamp))
}

// Attachment is the archived subset of a message attachment.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// EmbedSummary is the archived subset of a message embed.
type EmbedSummary struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ReactionSummary counts one emoji on a message.
type ReactionSummary struct {
	Emoji   string `json:"emoji"`
	EmojiID string `json:"emoji_id,omitempty"`
	Count   int    `json:"count"`
}

// OlderID reports whether snowflake a sorts before snowflake b.
// Snowflakes are compared as decimal strings: shorter is older, then lexical.
func OlderID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
