package handlers

import (
	"github.com/bwmarrin/discordgo"

	"guild-archiver/bot"
)

// Register all handlers to the bot.
func Register(b *bot.Bot) {
	b.Session.AddHandler(InteractionCreate(b))
	b.Session.AddHandler(MessageCreate(b))
	b.Session.AddHandler(MemberAddHandler(b))
	b.Session.AddHandler(MemberRemoveHandler(b))
	b.Session.AddHandler(MemberUpdateHandler(b))
	b.Session.AddHandler(RoleCreateHandler(b))
	b.Session.AddHandler(RoleUpdateHandler(b))
	b.Session.AddHandler(RoleDeleteHandler(b))

	// Add a ready handler to log when the bot is connected.
	b.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.Logger.Info("logged in", "user", r.User.Username, "guilds", len(r.Guilds))
	})
}
