package utils

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/models"
)

type recordingSender struct {
	mu     sync.Mutex
	embeds []*discordgo.MessageEmbed
	err    error
}

func (s *recordingSender) ChannelMessageSendEmbed(_ string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeds = append(s.embeds, embed)
	return &discordgo.Message{}, s.err
}

func TestDiscordHandlerMirrorsAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, h := NewLogger(models.LogConfig{Level: "info", Format: "json"}, "warn", &buf)
	sender := &recordingSender{}

	logger.Error("before attach")
	h.Attach(sender, "admin")

	log := logger.With("module", "scanner")
	log.Info("quiet", "n", 1)
	log.Warn("rate limited", "channel_id", "c1")
	log.Error("crawl failed", "err", errors.New("boom"))

	require.Len(t, sender.embeds, 2)
	assert.Equal(t, ColorWarn, sender.embeds[0].Color)
	assert.Equal(t, ColorError, sender.embeds[1].Color)
	assert.Equal(t, "scanner", sender.embeds[0].Fields[0].Value)
	assert.Equal(t, "rate limited", sender.embeds[0].Fields[1].Value)
	assert.Contains(t, sender.embeds[1].Fields[2].Value, "err=boom")

	assert.Contains(t, buf.String(), `"msg":"quiet"`)
	assert.Contains(t, buf.String(), `"msg":"before attach"`)
}

func TestDiscordHandlerSendFailureDoesNotRecurse(t *testing.T) {
	var buf bytes.Buffer
	logger, h := NewLogger(models.LogConfig{Level: "debug", Format: "text"}, "error", &buf)
	sender := &recordingSender{err: errors.New("missing access")}
	h.Attach(sender, "admin")

	logger.Error("disk full")

	assert.Len(t, sender.embeds, 1)
	assert.Contains(t, buf.String(), "failed to send log message to Discord")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestCheckPermission(t *testing.T) {
	auth := NewAuth(models.CommandsConfig{Auth: models.AuthConfig{
		Developers: []string{"dev"},
		AdminRoles: []string{"admins"},
	}})

	interaction := func(userID string, roles ...string) *discordgo.InteractionCreate {
		return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: userID}, Roles: roles},
		}}
	}

	assert.True(t, auth.CheckPermission(interaction("dev"), LevelDeveloper))
	assert.True(t, auth.CheckPermission(interaction("dev"), LevelAdmin))
	assert.True(t, auth.CheckPermission(interaction("mod", "admins"), LevelAdmin))
	assert.False(t, auth.CheckPermission(interaction("mod", "admins"), LevelDeveloper))
	assert.False(t, auth.CheckPermission(interaction("user"), LevelAdmin))
	assert.True(t, auth.CheckPermission(interaction("user"), LevelGuest))
	assert.False(t, auth.CheckPermission(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}, LevelGuest))

	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "dev"}}}
	assert.True(t, auth.CheckPermission(dm, LevelAdmin))
}
