package handlers

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"guild-archiver/bot"
	"guild-archiver/source"
)

// MemberAddHandler records a member joining the archived guild.
func MemberAddHandler(b *bot.Bot) func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.Member == nil || m.User == nil || m.GuildID != b.GuildID {
			return
		}
		if err := b.Members.Joined(b.Context(), source.ConvertMember(m.Member, time.Now()), m.Roles); err != nil {
			b.Logger.Error("failed to record member join", "module", "handlers", "member_id", m.User.ID, "err", err)
		}
	}
}

// MemberRemoveHandler records a member leaving the archived guild.
func MemberRemoveHandler(b *bot.Bot) func(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.Member == nil || m.User == nil || m.GuildID != b.GuildID {
			return
		}
		if err := b.Members.Left(b.Context(), source.ConvertMember(m.Member, time.Now())); err != nil {
			b.Logger.Error("failed to record member leave", "module", "handlers", "member_id", m.User.ID, "err", err)
		}
	}
}

// MemberUpdateHandler refreshes a member and records role changes.
func MemberUpdateHandler(b *bot.Bot) func(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m.Member == nil || m.User == nil || m.GuildID != b.GuildID {
			return
		}
		if err := b.Members.Updated(b.Context(), source.ConvertMember(m.Member, time.Now()), m.Roles); err != nil {
			b.Logger.Error("failed to record member update", "module", "handlers", "member_id", m.User.ID, "err", err)
		}
	}
}

// RoleCreateHandler records a new role in the registry.
func RoleCreateHandler(b *bot.Bot) func(s *discordgo.Session, r *discordgo.GuildRoleCreate) {
	return func(_ *discordgo.Session, r *discordgo.GuildRoleCreate) {
		if r.GuildRole == nil || r.Role == nil || r.GuildID != b.GuildID {
			return
		}
		if err := b.Members.RoleSaved(b.Context(), source.ConvertRole(r.Role)); err != nil {
			b.Logger.Error("failed to record role", "module", "handlers", "role_id", r.Role.ID, "err", err)
		}
	}
}

// RoleUpdateHandler refreshes a role in the registry.
func RoleUpdateHandler(b *bot.Bot) func(s *discordgo.Session, r *discordgo.GuildRoleUpdate) {
	return func(_ *discordgo.Session, r *discordgo.GuildRoleUpdate) {
		if r.GuildRole == nil || r.Role == nil || r.GuildID != b.GuildID {
			return
		}
		if err := b.Members.RoleSaved(b.Context(), source.ConvertRole(r.Role)); err != nil {
			b.Logger.Error("failed to update role", "module", "handlers", "role_id", r.Role.ID, "err", err)
		}
	}
}

// RoleDeleteHandler soft-deletes a role; archived messages may still mention it.
func RoleDeleteHandler(b *bot.Bot) func(s *discordgo.Session, r *discordgo.GuildRoleDelete) {
	return func(_ *discordgo.Session, r *discordgo.GuildRoleDelete) {
		if r.GuildID != b.GuildID {
			return
		}
		if err := b.Members.RoleDeleted(b.Context(), r.RoleID); err != nil {
			b.Logger.Error("failed to delete role", "module", "handlers", "role_id", r.RoleID, "err", err)
		}
	}
}
