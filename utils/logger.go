package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"guild-archiver/models"
)

const (
	ColorInfo  = 0x00ff00 // Green
	ColorWarn  = 0xffff00 // Yellow
	ColorError = 0xff0000 // Red
)

// EmbedSender is the part of a discordgo session used to mirror logs.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger. The returned handler mirrors records to the
// admin channel once Attach is called on it.
func NewLogger(cfg models.LogConfig, mirrorLevel string, w io.Writer) (*slog.Logger, *DiscordHandler) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var base slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}
	h := NewDiscordHandler(base, ParseLevel(mirrorLevel))
	return slog.New(h), h
}

// discordSink is shared by a handler and every handler derived from it.
type discordSink struct {
	mu        sync.RWMutex
	sender    EmbedSender
	channelID string
}

func (s *discordSink) target() (EmbedSender, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sender, s.channelID
}

// DiscordHandler writes every record to a base handler and posts records at or
// above a level to the admin channel as a coloured embed.
type DiscordHandler struct {
	base   slog.Handler
	level  slog.Level
	sink   *discordSink
	attrs  []slog.Attr
	groups []string
}

// NewDiscordHandler wraps base. Nothing is mirrored until Attach.
func NewDiscordHandler(base slog.Handler, level slog.Level) *DiscordHandler {
	return &DiscordHandler{base: base, level: level, sink: &discordSink{}}
}

// Attach starts mirroring to channelID. An empty channel id disables mirroring.
func (h *DiscordHandler) Attach(sender EmbedSender, channelID string) {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.sender = sender
	h.sink.channelID = channelID
	if channelID == "" {
		_ = h.base.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelWarn,
			"bot.admin_channel_id is not set, logging to channel is disabled", 0))
	}
}

func (h *DiscordHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level) || h.mirrors(level)
}

func (h *DiscordHandler) mirrors(level slog.Level) bool {
	sender, channelID := h.sink.target()
	return sender != nil && channelID != "" && level >= h.level
}

func (h *DiscordHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.base.Enabled(ctx, r.Level) {
		err = h.base.Handle(ctx, r)
	}
	if !h.mirrors(r.Level) {
		return err
	}

	sender, channelID := h.sink.target()
	if _, sendErr := sender.ChannelMessageSendEmbed(channelID, h.embed(r)); sendErr != nil {
		// Reported through the base handler only, so a failing channel cannot loop.
		fail := slog.NewRecord(time.Now(), slog.LevelWarn, "failed to send log message to Discord", 0)
		fail.AddAttrs(slog.String("err", sendErr.Error()))
		_ = h.base.Handle(ctx, fail)
	}
	return err
}

func (h *DiscordHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.base = h.base.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), qualify(h.groups, attrs)...)
	return &clone
}

func (h *DiscordHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.base = h.base.WithGroup(name)
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func qualify(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(groups) == 0 {
		return attrs
	}
	prefix := strings.Join(groups, ".") + "."
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func (h *DiscordHandler) embed(r slog.Record) *discordgo.MessageEmbed {
	color := ColorInfo
	switch {
	case r.Level >= slog.LevelError:
		color = ColorError
	case r.Level >= slog.LevelWarn:
		color = ColorWarn
	}

	module := "-"
	var details []string
	add := func(a slog.Attr) {
		if a.Key == "module" {
			module = a.Value.String()
			return
		}
		details = append(details, fmt.Sprintf("%s=%v", a.Key, a.Value.Resolve()))
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	fields := []*discordgo.MessageEmbedField{
		{Name: "Module", Value: module, Inline: true},
		{Name: "Message", Value: truncate(r.Message, 1024), Inline: true},
	}
	if len(details) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Details", Value: truncate(strings.Join(details, "\n"), 1024)})
	}
	return &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("Log Level: %s", r.Level),
		Color:     color,
		Timestamp: r.Time.Format(time.RFC3339),
		Fields:    fields,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
