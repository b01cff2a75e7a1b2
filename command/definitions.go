package command

import (
	"github.com/bwmarrin/discordgo"

	"guild-archiver/utils"
)

var adminOnly = int64(discordgo.PermissionManageServer)

// ExportCommand defines the /export command.
type ExportCommand struct{}

// Definition returns the application command definition.
func (c *ExportCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:                     "export",
		Description:              "Backfill the history of every visible channel into the archive",
		DefaultMemberPermissions: &adminOnly,
	}
}

// Level returns the permission level required to run the command.
func (c *ExportCommand) Level() string { return utils.LevelAdmin }

// ReconstructCommand defines the /reconstruct command.
type ReconstructCommand struct{}

// Definition returns the application command definition.
func (c *ReconstructCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:                     "reconstruct",
		Description:              "Infer departed members and their roles from archived messages",
		DefaultMemberPermissions: &adminOnly,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "target",
				Description: "What to reconstruct",
				Type:        discordgo.ApplicationCommandOptionString,
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Left members", Value: "members"},
					{Name: "Roles of left members", Value: "roles"},
				},
			},
		},
	}
}

// Level returns the permission level required to run the command.
func (c *ReconstructCommand) Level() string { return utils.LevelAdmin }

// DedupeCommand defines the /dedupe command.
type DedupeCommand struct{}

// Definition returns the application command definition.
func (c *DedupeCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:                     "dedupe",
		Description:              "Check for or remove duplicated message rows",
		DefaultMemberPermissions: &adminOnly,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "mode",
				Description: "Only count duplicates, or remove them",
				Type:        discordgo.ApplicationCommandOptionString,
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Check", Value: "check"},
					{Name: "Remove", Value: "remove"},
				},
			},
		},
	}
}

// Level returns the permission level required to run the command.
func (c *DedupeCommand) Level() string { return utils.LevelDeveloper }

// WALStatsCommand defines the /walstats command.
type WALStatsCommand struct{}

// Definition returns the application command definition.
func (c *WALStatsCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "walstats",
		Description: "Show the state of the live message buffer",
	}
}

// Level returns the permission level required to run the command.
func (c *WALStatsCommand) Level() string { return utils.LevelAdmin }

// VacuumCommand defines the /vacuum command.
type VacuumCommand struct{}

// Definition returns the application command definition.
func (c *VacuumCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:                     "vacuum",
		Description:              "Compact the archive database",
		DefaultMemberPermissions: &adminOnly,
	}
}

// Level returns the permission level required to run the command.
func (c *VacuumCommand) Level() string { return utils.LevelDeveloper }

// MemberStatsCommand defines the /memberstats command.
type MemberStatsCommand struct{}

var minDays = 1.0

// Definition returns the application command definition.
func (c *MemberStatsCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "memberstats",
		Description: "Show daily joins, leaves and role gains",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "days",
				Description: "How many days to show (default 7)",
				Type:        discordgo.ApplicationCommandOptionInteger,
				MinValue:    &minDays,
				MaxValue:    90,
			},
		},
	}
}

// Level returns the permission level required to run the command.
func (c *MemberStatsCommand) Level() string { return utils.LevelAdmin }

// PingCommand defines the structure for the /ping command.
type PingCommand struct{}

// Definition returns the application command definition.
func (c *PingCommand) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "ping",
		Description: "Responds with Pong!",
	}
}

// Level returns the permission level required to run the command.
func (c *PingCommand) Level() string { return utils.LevelGuest }
