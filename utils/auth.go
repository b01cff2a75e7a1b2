package utils

import (
	"slices"

	"github.com/bwmarrin/discordgo"

	"guild-archiver/models"
)

// Permission levels accepted by CheckPermission.
const (
	LevelDeveloper = "developer"
	LevelAdmin     = "admin"
	LevelGuest     = "guest"
)

// Auth provides methods for authorization checks.
type Auth struct {
	config models.AuthConfig
}

// NewAuth creates an Auth from the commands configuration.
func NewAuth(cfg models.CommandsConfig) *Auth {
	return &Auth{config: cfg.Auth}
}

// IsDeveloper checks if a user is a developer.
func (a *Auth) IsDeveloper(userID string) bool {
	return slices.Contains(a.config.Developers, userID)
}

// IsAdmin checks if a member holds one of the admin roles.
func (a *Auth) IsAdmin(member *discordgo.Member) bool {
	if member == nil {
		return false
	}
	for _, roleID := range member.Roles {
		if slices.Contains(a.config.AdminRoles, roleID) {
			return true
		}
	}
	return false
}

// CheckPermission checks if the caller of an interaction has the required level.
// Interactions outside a guild have no member and only pass the developer check.
func (a *Auth) CheckPermission(i *discordgo.InteractionCreate, requiredLevel string) bool {
	var user *discordgo.User
	switch {
	case i.Member != nil && i.Member.User != nil:
		user = i.Member.User
	case i.User != nil:
		user = i.User
	default:
		return false
	}

	switch requiredLevel {
	case LevelDeveloper:
		return a.IsDeveloper(user.ID)
	case LevelAdmin:
		return a.IsDeveloper(user.ID) || a.IsAdmin(i.Member)
	case LevelGuest:
		return true
	default:
		return false
	}
}
