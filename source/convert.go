package source

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/discordgo"

	"guild-archiver/models"
)

// ConvertMessage flattens a discordgo message into an archive record.
func ConvertMessage(m *discordgo.Message) models.Message {
	ts := m.Timestamp
	if ts.IsZero() {
		if t, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			ts = t
		}
	}

	msg := models.Message{
		MessageID:    m.ID,
		ChannelID:    m.ChannelID,
		Content:      m.Content,
		Timestamp:    ts.UnixMilli(),
		TimestampISO: ts.UTC().Format(time.RFC3339Nano),
		Attachments:  attachmentsJSON(m.Attachments),
		Embeds:       embedsJSON(m.Embeds),
		Reactions:    reactionsJSON(m.Reactions),
		RoleMentions: stringsJSON(m.MentionRoles),
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorIsBot = m.Author.Bot
		msg.AuthorName = displayName(m.Member, m.Author)
	}
	return msg
}

// ConvertMember maps a guild member to a live membership row.
func ConvertMember(m *discordgo.Member, now time.Time) models.GuildMember {
	gm := models.GuildMember{
		Avatar:      m.Avatar,
		LastUpdated: now.UnixMilli(),
		Source:      models.MemberSourceLive,
	}
	if m.User != nil {
		gm.MemberID = m.User.ID
		gm.Username = m.User.Username
		gm.IsBot = m.User.Bot
		if gm.Avatar == "" {
			gm.Avatar = m.User.Avatar
		}
	}
	gm.DisplayName = displayName(m, m.User)
	if !m.JoinedAt.IsZero() {
		gm.JoinedAt = m.JoinedAt.UnixMilli()
		gm.JoinedAtISO = m.JoinedAt.UTC().Format(time.RFC3339Nano)
	}
	return gm
}

// ConvertRole maps a guild role to a registry snapshot.
func ConvertRole(r *discordgo.Role) models.GuildRole {
	flags := 0
	if r.Hoist {
		flags |= models.RoleFlagHoist
	}
	if r.Managed {
		flags |= models.RoleFlagManaged
	}
	if r.Mentionable {
		flags |= models.RoleFlagMentionable
	}
	created := int64(0)
	if t, err := discordgo.SnowflakeTimestamp(r.ID); err == nil {
		created = t.UnixMilli()
	}
	return models.GuildRole{
		RoleID:      r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Position:    r.Position,
		Permissions: r.Permissions,
		Flags:       flags,
		CreatedAt:   created,
	}
}

func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func attachmentsJSON(attachments []*discordgo.MessageAttachment) string {
	out := make([]models.Attachment, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, models.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return marshalList(out)
}

func embedsJSON(embeds []*discordgo.MessageEmbed) string {
	out := make([]models.EmbedSummary, 0, len(embeds))
	for _, e := range embeds {
		out = append(out, models.EmbedSummary{
			Type:        string(e.Type),
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
		})
	}
	return marshalList(out)
}

func reactionsJSON(reactions []*discordgo.MessageReactions) string {
	out := make([]models.ReactionSummary, 0, len(reactions))
	for _, r := range reactions {
		s := models.ReactionSummary{Count: r.Count}
		if r.Emoji != nil {
			s.Emoji = r.Emoji.Name
			s.EmojiID = r.Emoji.ID
		}
		out = append(out, s)
	}
	return marshalList(out)
}

func stringsJSON(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	return marshalList(ids)
}

func marshalList(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
