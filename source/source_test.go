package source

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/models"
)

func TestClassify(t *testing.T) {
	notFound := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	limited := &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 2 * time.Second, Bucket: "b"},
	}}
	other := errors.New("boom")

	assert.ErrorIs(t, classify(notFound), ErrNotFound)
	assert.ErrorIs(t, classify(forbidden), ErrForbidden)
	assert.True(t, IsTerminal(classify(notFound)))
	assert.True(t, IsTerminal(classify(forbidden)))

	rl, ok := AsRateLimit(classify(limited))
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, rl.RetryAfter)
	assert.Equal(t, "b", rl.Bucket)

	assert.Equal(t, other, classify(other))
	assert.False(t, IsTerminal(other))
	_, ok = AsRateLimit(other)
	assert.False(t, ok)
	assert.Nil(t, classify(nil))
}

func TestAsRateLimitWrapped(t *testing.T) {
	err := fmt.Errorf("page 3: %w", &RateLimitError{RetryAfter: time.Second})
	rl, ok := AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, time.Second, rl.RetryAfter)
}

func TestConvertMessage(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "42",
		ChannelID: "c1",
		Content:   "hi <@&7>",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "u1", Username: "alice", GlobalName: "Alice"},
		Member:    &discordgo.Member{Nick: "Al"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", Filename: "cat.png", URL: "https://cdn/cat.png", Size: 10},
		},
		Embeds:       []*discordgo.MessageEmbed{{Type: discordgo.EmbedTypeRich, Title: "t"}},
		Reactions:    []*discordgo.MessageReactions{{Count: 3, Emoji: &discordgo.Emoji{Name: "👍"}}},
		MentionRoles: []string{"7"},
	}

	got := ConvertMessage(m)
	assert.Equal(t, "42", got.MessageID)
	assert.Equal(t, "Al", got.AuthorName)
	assert.Equal(t, ts.UnixMilli(), got.Timestamp)
	assert.Equal(t, "2024-01-02T03:04:05Z", got.TimestampISO)
	assert.Equal(t, `["7"]`, got.RoleMentions)
	assert.JSONEq(t, `[{"id":"a1","filename":"cat.png","url":"https://cdn/cat.png","size":10}]`, got.Attachments)
	assert.JSONEq(t, `[{"type":"rich","title":"t"}]`, got.Embeds)
	assert.JSONEq(t, `[{"emoji":"👍","count":3}]`, got.Reactions)
}

func TestConvertMessageEmptyLists(t *testing.T) {
	got := ConvertMessage(&discordgo.Message{ID: "1", Author: &discordgo.User{ID: "u", Username: "bob", Bot: true}})
	assert.Equal(t, "[]", got.Attachments)
	assert.Equal(t, "[]", got.RoleMentions)
	assert.Equal(t, "bob", got.AuthorName)
	assert.True(t, got.AuthorIsBot)
}

func TestConvertRoleFlags(t *testing.T) {
	r := ConvertRole(&discordgo.Role{ID: "175928847299117063", Name: "mods", Hoist: true, Mentionable: true, Permissions: 8})
	assert.Equal(t, models.RoleFlagHoist|models.RoleFlagMentionable, r.Flags)
	assert.EqualValues(t, 8, r.Permissions)
	assert.Positive(t, r.CreatedAt)
}

func TestConvertMember(t *testing.T) {
	joined := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	now := time.Unix(100, 0)
	gm := ConvertMember(&discordgo.Member{
		User:     &discordgo.User{ID: "u1", Username: "alice", Avatar: "hash"},
		JoinedAt: joined,
	}, now)
	assert.Equal(t, "u1", gm.MemberID)
	assert.Equal(t, "alice", gm.DisplayName)
	assert.Equal(t, "hash", gm.Avatar)
	assert.Equal(t, joined.UnixMilli(), gm.JoinedAt)
	assert.Equal(t, now.UnixMilli(), gm.LastUpdated)
}
