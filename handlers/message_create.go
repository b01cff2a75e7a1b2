package handlers

import (
	"github.com/bwmarrin/discordgo"

	"guild-archiver/bot"
	"guild-archiver/source"
)

// MessageCreate hands every new message of the archived guild to the live monitor.
func MessageCreate(b *bot.Bot) func(s *discordgo.Session, m *discordgo.MessageCreate) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.GuildID != b.GuildID || m.Author == nil {
			return
		}
		b.Monitor.HandleMessage(b.Context(), source.ConvertMessage(m.Message))
	}
}
