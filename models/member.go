package models

// Member provenance values stored in guild_members.source.
const (
	MemberSourceLive          = "live"
	MemberSourceReconstructed = "reconstructed"
)

// Role provenance values stored in member_roles.source.
const (
	RoleSourceLive     = "live"
	RoleSourceHistory  = "history"  // taken from role_history, authoritative
	RoleSourceInferred = "inferred" // mined from role mentions, heuristic
)

// Role history actions.
const (
	RoleActionAdded   = "added"
	RoleActionRemoved = "removed"
)

// GuildMember is a current or historical member of the archived guild.
type GuildMember struct {
	MemberID    string `db:"member_id"`
	Username    string `db:"username"`
	DisplayName string `db:"display_name"`
	Avatar      string `db:"avatar"`
	JoinedAt    int64  `db:"joined_at"` // epoch milliseconds
	JoinedAtISO string `db:"joined_at_iso"`
	IsBot       bool   `db:"is_bot"`
	LastUpdated int64  `db:"last_updated"`
	LeftGuild   bool   `db:"left_guild"`
	LeftAt      int64  `db:"left_at"` // epoch milliseconds, possibly estimated
	Source      string `db:"source"`
}

// MemberRole is a role held by a member, with the role snapshot at assignment time.
type MemberRole struct {
	MemberID   string `db:"member_id"`
	RoleID     string `db:"role_id"`
	RoleName   string `db:"role_name"`
	RoleColor  int    `db:"role_color"`
	Position   int    `db:"role_position"`
	AssignedAt int64  `db:"assigned_at"`
	Source     string `db:"source"`
}

// RoleHistoryEntry is one append-only add/remove event.
type RoleHistoryEntry struct {
	ID        int64  `db:"id"`
	MemberID  string `db:"member_id"`
	RoleID    string `db:"role_id"`
	RoleName  string `db:"role_name"`
	Action    string `db:"action"`
	Timestamp int64  `db:"timestamp"`
}

// GuildRole is the registry snapshot of a role. Deleted roles are kept with Deleted set.
type GuildRole struct {
	RoleID      string `db:"role_id"`
	Name        string `db:"name"`
	Color       int    `db:"color"`
	Position    int    `db:"position"`
	Permissions int64  `db:"permissions"`
	Flags       int    `db:"flags"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
	DeletedAt   int64  `db:"deleted_at"`
	Deleted     bool   `db:"deleted"`
}

// Role flag bits stored in GuildRole.Flags.
const (
	RoleFlagHoist = 1 << iota
	RoleFlagManaged
	RoleFlagMentionable
)

// MemberStat is one day of membership counters.
type MemberStat struct {
	Date         string `db:"date"` // 2006-01-02
	TotalMembers int    `db:"total_members"`
	Joins        int    `db:"joins"`
	Leaves       int    `db:"leaves"`
	RoleGains    int    `db:"role_gains"`
}

// LeftMemberCandidate is a message author missing from guild_members,
// with the activity span used to estimate join and leave times.
type LeftMemberCandidate struct {
	AuthorID     string
	AuthorName   string
	FirstMessage int64
	LastMessage  int64
	MessageCount int
}
