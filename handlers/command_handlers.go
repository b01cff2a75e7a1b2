package handlers

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"guild-archiver/archive"
	"guild-archiver/bot"
	"guild-archiver/scanner"
)

const defaultStatsDays = 7

func options(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	opts := i.ApplicationCommandData().Options
	optionMap := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, opt := range opts {
		optionMap[opt.Name] = opt
	}
	return optionMap
}

// HandleExport starts a backfill. Progress is posted to the invoking channel and
// the status message is edited as the crawl advances.
func HandleExport(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if b.Archive.Exporting() {
		respond(b, s, i, "An export is already running.", true)
		return
	}
	respond(b, s, i, "Export accepted. Progress will be posted in this channel.", true)

	go func() {
		_, err := b.Archive.StartExport(b.Context(), b.GuildID, i.ChannelID)
		switch {
		case errors.Is(err, scanner.ErrExportRunning):
			followup(b, s, i, "An export is already running.")
		case err != nil:
			b.Logger.Error("export failed", "module", "handlers", "err", err)
			followup(b, s, i, "❌ Export failed: "+err.Error())
		}
	}()
}

// HandleReconstruct rebuilds left members or their roles.
func HandleReconstruct(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	target := "members"
	if opt, ok := options(i)["target"]; ok {
		target = opt.StringValue()
	}
	if !deferResponse(b, s, i) {
		return
	}

	go func() {
		ctx := b.Context()
		if target == "roles" {
			sum, err := b.Archive.ReconstructRoles(ctx)
			if err != nil {
				followup(b, s, i, "❌ Role reconstruction failed: "+err.Error())
				return
			}
			followup(b, s, i, archive.FormatReconstructSummary("Role", sum))
			return
		}
		sum, err := b.Archive.ReconstructMembers(ctx, b.GuildID)
		if err != nil {
			followup(b, s, i, "❌ Member reconstruction failed: "+err.Error())
			return
		}
		followup(b, s, i, archive.FormatReconstructSummary("Member", sum))
	}()
}

// HandleDedupe counts or removes duplicated message rows.
func HandleDedupe(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	mode := "check"
	if opt, ok := options(i)["mode"]; ok {
		mode = opt.StringValue()
	}
	if !deferResponse(b, s, i) {
		return
	}

	go func() {
		ctx := b.Context()
		if mode == "remove" {
			removed, err := b.Archive.RemoveDuplicates(ctx)
			if err != nil {
				followup(b, s, i, "❌ Deduplication failed: "+err.Error())
				return
			}
			followup(b, s, i, fmt.Sprintf("✅ Removed %d duplicated rows.", removed))
			return
		}
		n, err := b.Archive.CheckDuplicates(ctx)
		if err != nil {
			followup(b, s, i, "❌ Duplicate check failed: "+err.Error())
			return
		}
		followup(b, s, i, fmt.Sprintf("Found %d duplicated rows.", n))
	}()
}

// HandleWALStats reports the live message buffer.
func HandleWALStats(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	stats, err := b.Archive.GetStats(b.Context())
	if err != nil {
		respond(b, s, i, "❌ Could not read the buffer: "+err.Error(), true)
		return
	}
	respond(b, s, i, archive.FormatWALStats(stats), true)
}

// HandleVacuum compacts the store.
func HandleVacuum(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !deferResponse(b, s, i) {
		return
	}
	go func() {
		res, err := b.Archive.Vacuum(b.Context())
		if err != nil {
			followup(b, s, i, "❌ Vacuum failed: "+err.Error())
			return
		}
		followup(b, s, i, archive.FormatVacuum(res))
	}()
}

// HandleMemberStats shows recent daily member counters.
func HandleMemberStats(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	days := defaultStatsDays
	if opt, ok := options(i)["days"]; ok {
		days = int(opt.IntValue())
	}
	stats, err := b.Archive.MemberStats(b.Context(), days)
	if err != nil {
		respond(b, s, i, "❌ Could not read member stats: "+err.Error(), true)
		return
	}
	respond(b, s, i, "```\n"+archive.FormatMemberStats(stats)+"```", true)
}

// HandlePing handles the logic for the /ping command.
func HandlePing(b *bot.Bot, s *discordgo.Session, i *discordgo.InteractionCreate) {
	respond(b, s, i, "Pong!", false)
}
