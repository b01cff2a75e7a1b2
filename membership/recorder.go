// Package membership records live member and role events and the daily member stats.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"guild-archiver/database"
	"guild-archiver/models"
	"guild-archiver/source"
)

// Recorder writes member lifecycle events to the store.
type Recorder struct {
	store  *database.Store
	logger *slog.Logger
	now    func() time.Time
}

// New returns a recorder over store.
func New(store *database.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("module", "membership"), now: time.Now}
}

// SetClock replaces the time source.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Joined records a member joining with its initial roles and counts the join.
func (r *Recorder) Joined(ctx context.Context, m models.GuildMember, roleIDs []string) error {
	now := r.now()
	m.LastUpdated = now.UnixMilli()
	if err := r.store.UpsertMember(ctx, m); err != nil {
		return err
	}
	if len(roleIDs) > 0 {
		roles, err := r.snapshot(ctx, m.MemberID, roleIDs, nil, now)
		if err != nil {
			return err
		}
		if err := r.store.ReplaceMemberRoles(ctx, m.MemberID, roles); err != nil {
			return err
		}
	}
	if err := r.store.IncrementJoins(ctx, now, 1); err != nil {
		return err
	}
	r.logger.Info("member joined", "member_id", m.MemberID, "username", m.Username)
	return nil
}

// Left flags a member as gone and counts the departure. Roles are kept as the
// last known state.
func (r *Recorder) Left(ctx context.Context, m models.GuildMember) error {
	now := r.now()
	if err := r.store.MarkMemberLeft(ctx, m, now); err != nil {
		return err
	}
	if err := r.store.IncrementLeaves(ctx, now, 1); err != nil {
		return err
	}
	r.logger.Info("member left", "member_id", m.MemberID, "username", m.Username)
	return nil
}

// Updated refreshes a member and diffs its role set against the stored one. Added
// and removed roles are appended to the role history and role gains are counted.
// The first update seen for an unknown member only records a baseline.
func (r *Recorder) Updated(ctx context.Context, m models.GuildMember, roleIDs []string) error {
	now := r.now()
	prev, err := r.store.GetMember(ctx, m.MemberID)
	if err != nil {
		return err
	}
	held, err := r.store.ListMemberRoles(ctx, m.MemberID)
	if err != nil {
		return err
	}

	m.LastUpdated = now.UnixMilli()
	if err := r.store.UpsertMember(ctx, m); err != nil {
		return err
	}

	previous := make(map[string]models.MemberRole, len(held))
	for _, role := range held {
		previous[role.RoleID] = role
	}
	roles, err := r.snapshot(ctx, m.MemberID, roleIDs, previous, now)
	if err != nil {
		return err
	}

	var history []models.RoleHistoryEntry
	gains := 0
	if prev != nil {
		current := make(map[string]bool, len(roles))
		for _, role := range roles {
			current[role.RoleID] = true
			if _, ok := previous[role.RoleID]; !ok {
				gains++
				history = append(history, models.RoleHistoryEntry{
					MemberID: m.MemberID, RoleID: role.RoleID, RoleName: role.RoleName,
					Action: models.RoleActionAdded, Timestamp: now.UnixMilli(),
				})
			}
		}
		for _, role := range held {
			if !current[role.RoleID] {
				history = append(history, models.RoleHistoryEntry{
					MemberID: m.MemberID, RoleID: role.RoleID, RoleName: role.RoleName,
					Action: models.RoleActionRemoved, Timestamp: now.UnixMilli(),
				})
			}
		}
	}

	if err := r.store.ApplyRoleChange(ctx, m.MemberID, roles, history, now, gains); err != nil {
		return err
	}
	if len(history) > 0 {
		r.logger.Debug("member roles changed", "member_id", m.MemberID, "changes", len(history), "gains", gains)
	}
	return nil
}

// snapshot builds member role rows for roleIDs. Roles already held keep their
// assignment time; new ones are stamped now.
func (r *Recorder) snapshot(ctx context.Context, memberID string, roleIDs []string, held map[string]models.MemberRole, now time.Time) ([]models.MemberRole, error) {
	registry, err := r.store.GuildRoles(ctx)
	if err != nil {
		return nil, err
	}
	roles := make([]models.MemberRole, 0, len(roleIDs))
	seen := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		role := models.MemberRole{
			MemberID:   memberID,
			RoleID:     id,
			AssignedAt: now.UnixMilli(),
			Source:     models.RoleSourceLive,
		}
		if old, ok := held[id]; ok && old.AssignedAt > 0 {
			role.AssignedAt = old.AssignedAt
		}
		if g, ok := registry[id]; ok {
			role.RoleName = g.Name
			role.RoleColor = g.Color
			role.Position = g.Position
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// RoleSaved records a created or updated role.
func (r *Recorder) RoleSaved(ctx context.Context, role models.GuildRole) error {
	return r.store.UpsertGuildRole(ctx, role, r.now())
}

// RoleDeleted soft-deletes a role from the registry.
func (r *Recorder) RoleDeleted(ctx context.Context, roleID string) error {
	return r.store.SoftDeleteGuildRole(ctx, roleID, r.now())
}

// SeedRoles records every role of the guild, typically on startup.
func (r *Recorder) SeedRoles(ctx context.Context, roles []models.GuildRole) error {
	now := r.now()
	for _, role := range roles {
		if err := r.store.UpsertGuildRole(ctx, role, now); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotTotal stores today's member count as reported upstream.
func (r *Recorder) SnapshotTotal(ctx context.Context, counter source.MemberLookup, guildID string) error {
	total, err := counter.MemberCount(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to count members of guild %s: %w", guildID, err)
	}
	if err := r.store.SetTotalMembers(ctx, r.now(), total); err != nil {
		return err
	}
	r.logger.Info("member count snapshot", "guild_id", guildID, "total", total)
	return nil
}
