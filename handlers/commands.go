package handlers

import (
	"github.com/bwmarrin/discordgo"

	"guild-archiver/bot"
)

// CommandDispatcher is the central handler for all application command interactions.
// It performs permission checks and then dispatches the interaction to the appropriate handler.
func CommandDispatcher(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	commandName := i.ApplicationCommandData().Name
	cmd, ok := b.Commands[commandName]
	if !ok {
		respond(b, s, i, "🚫 Internal error: unknown command.", true)
		return
	}
	if !b.Auth.CheckPermission(i, cmd.Level()) {
		respond(b, s, i, "🚫 You do not have permission to run this command.", true)
		return
	}

	switch commandName {
	case "export":
		HandleExport(b, s, i)
	case "reconstruct":
		HandleReconstruct(b, s, i)
	case "dedupe":
		HandleDedupe(b, s, i)
	case "walstats":
		HandleWALStats(b, s, i)
	case "vacuum":
		HandleVacuum(b, s, i)
	case "memberstats":
		HandleMemberStats(b, s, i)
	case "ping":
		HandlePing(b, s, i)
	default:
		respond(b, s, i, "🚫 Internal error: unknown command.", true)
	}
}

func respond(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate, content string, ephemeral bool) {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		b.Logger.Warn("failed to respond to interaction", "module", "handlers", "err", err)
	}
}

// deferResponse acknowledges a slow command; the result follows with followup.
func deferResponse(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		b.Logger.Warn("failed to defer interaction", "module", "handlers", "err", err)
		return false
	}
	return true
}

func followup(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: content}); err != nil {
		b.Logger.Warn("failed to send followup", "module", "handlers", "err", err)
	}
}
