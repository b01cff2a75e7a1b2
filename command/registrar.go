package command

import "github.com/bwmarrin/discordgo"

// Command is an interface for application commands.
type Command interface {
	Definition() *discordgo.ApplicationCommand
	// Level is the permission level checked before dispatch.
	Level() string
}

// AllCommands holds all the command instances.
var AllCommands = []Command{
	&ExportCommand{},
	&ReconstructCommand{},
	&DedupeCommand{},
	&WALStatsCommand{},
	&VacuumCommand{},
	&MemberStatsCommand{},
	&PingCommand{},
}

// GetCommandDefinitions returns a slice of all command definitions.
func GetCommandDefinitions() []*discordgo.ApplicationCommand {
	defs := make([]*discordgo.ApplicationCommand, len(AllCommands))
	for i, cmd := range AllCommands {
		defs[i] = cmd.Definition()
	}
	return defs
}

// Permissions maps each command name to its required permission level.
func Permissions() map[string]string {
	levels := make(map[string]string, len(AllCommands))
	for _, cmd := range AllCommands {
		levels[cmd.Definition().Name] = cmd.Level()
	}
	return levels
}
