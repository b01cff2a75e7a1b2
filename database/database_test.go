package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id, author string, ts int64) models.Message {
	return models.Message{
		MessageID:    id,
		ChannelID:    "c1",
		Content:      "hello " + id,
		AuthorID:     author,
		AuthorName:   "user-" + author,
		Timestamp:    ts,
		TimestampISO: time.UnixMilli(ts).UTC().Format(time.RFC3339Nano),
	}
}

func TestOpenMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "archive.db")
	s, err := Open(path, nil)
	require.NoError(t, err)

	version, err := GetUserVersion(s.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, s.Close())

	// Reopening an up-to-date store is a no-op.
	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	version, err = GetUserVersion(s.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestUpsertMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := testMessage("100", "a", 1000)
	require.NoError(t, s.UpsertMessage(ctx, m))
	m.Content = "edited"
	require.NoError(t, s.UpsertMessage(ctx, m))

	n, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetMessage(ctx, "100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, "[]", got.Attachments)
}

func TestGetMessageMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetMessage(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsertMessageBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertMessage(ctx, testMessage("1", "a", 1)))

	res, err := s.InsertMessageBatch(ctx, []models.Message{
		testMessage("1", "a", 1),
		testMessage("2", "a", 2),
		testMessage("3", "b", 3),
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Stored: 3, Duplicates: 1}, res)

	n, err := s.CountChannelMessages(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestInsertMessageBatchFallsBackPerRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.DB().Exec(`CREATE TRIGGER reject_poison BEFORE INSERT ON messages
		WHEN NEW.content = 'poison'
		BEGIN SELECT RAISE(ABORT, 'poison row'); END`)
	require.NoError(t, err)

	bad := testMessage("2", "a", 2)
	bad.Content = "poison"
	res, err := s.InsertMessageBatch(ctx, []models.Message{
		testMessage("1", "a", 1),
		bad,
		testMessage("3", "a", 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 1, res.Failed)

	exists, err := s.MessageExists(ctx, "2")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = s.MessageExists(ctx, "3")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRemoveDuplicatesKeepsLowestRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Simulate an archive written before the unique index existed.
	_, err := s.DB().Exec(`DROP INDEX idx_messages_message_id`)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.DB().Exec(`INSERT INTO messages (message_id, channel_id, content, author_id, timestamp)
			VALUES ('dup', 'c1', ?, 'a', 1)`, fmt.Sprintf("copy %d", i))
		require.NoError(t, err)
	}
	assert.Error(t, s.UpsertMessage(ctx, testMessage("solo", "a", 2)), "upsert needs the unique index")

	surplus, err := s.CheckDuplicates(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, surplus)

	removed, err := s.RemoveDuplicates(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	got, err := s.GetMessage(ctx, "dup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "copy 0", got.Content)

	surplus, err = s.CheckDuplicates(ctx)
	require.NoError(t, err)
	assert.Zero(t, surplus)

	// The unique index is back.
	_, err = s.DB().Exec(`INSERT INTO messages (message_id, channel_id, author_id, timestamp) VALUES ('dup', 'c1', 'a', 1)`)
	assert.Error(t, err)
	require.NoError(t, s.UpsertMessage(ctx, testMessage("solo", "a", 2)))
}

func TestOpenRebuildsMissingMessageIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := Open(path, nil)
	require.NoError(t, err)

	_, err = s.DB().Exec(`DROP INDEX idx_messages_message_id`)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.DB().Exec(`INSERT INTO messages (message_id, channel_id, content, author_id, timestamp)
			VALUES ('dup', 'c1', ?, 'a', 1)`, fmt.Sprintf("copy %d", i))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	surplus, err := s.CheckDuplicates(ctx)
	require.NoError(t, err)
	assert.Zero(t, surplus)

	res, err := s.InsertMessageBatch(ctx, []models.Message{
		testMessage("1", "a", 1),
		testMessage("2", "a", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Zero(t, res.Duplicates)
	assert.Zero(t, res.Failed)

	got, err := s.GetMessage(ctx, "dup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "copy 0", got.Content)
}

func TestStagingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.UnixMilli(10_000_000)

	old := testMessage("10", "a", now.Add(-10*time.Minute).UnixMilli())
	fresh := testMessage("11", "a", now.Add(-time.Minute).UnixMilli())

	added, err := s.StageMessage(ctx, old, now)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.StageMessage(ctx, old, now)
	require.NoError(t, err)
	assert.False(t, added, "restaging is a no-op")
	_, err = s.StageMessage(ctx, fresh, now)
	require.NoError(t, err)

	ready, err := s.ReadyStagedMessages(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "10", ready[0].MessageID)

	stats, err := s.StagingStats(ctx, now, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.ReadyToProcess)
	assert.Equal(t, 10*time.Minute, stats.OldestAge)
	assert.Equal(t, time.Minute, stats.NewestAge)

	won, err := s.ClaimStagedMessage(ctx, "10")
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ClaimStagedMessage(ctx, "10")
	require.NoError(t, err)
	assert.False(t, won, "second claim loses")

	require.NoError(t, s.ReleaseStagedMessage(ctx, "10"))
	staged, err := s.GetStagedMessage(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.False(t, staged.Processed)

	require.NoError(t, s.PromoteStagedMessage(ctx, old))
	staged, err = s.GetStagedMessage(ctx, "10")
	require.NoError(t, err)
	assert.Nil(t, staged)
	exists, err := s.MessageExists(ctx, "10")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.DeleteStagedMessage(ctx, "11"))
	stats, err = s.StagingStats(ctx, now, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestChannelCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	cur, err := s.GetChannelCursor(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, cur)

	started, err := s.StartChannelCrawl(ctx, "c1", "general", now)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelCrawlInProgress, started.State())
	assert.Empty(t, started.LastMessageID)

	require.NoError(t, s.AdvanceChannelCursor(ctx, "c1", "500", now))

	// Restarting keeps the resume point.
	started, err = s.StartChannelCrawl(ctx, "c1", "general", now)
	require.NoError(t, err)
	assert.Equal(t, "500", started.LastMessageID)

	require.NoError(t, s.CompleteChannelCrawl(ctx, "c1", "", now))
	cur, err = s.GetChannelCursor(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, models.ChannelCrawlComplete, cur.State())
	assert.Equal(t, "500", cur.LastMessageID)

	all, err := s.ListChannelCursors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemberLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.UnixMilli(5_000_000)

	require.NoError(t, s.UpsertMember(ctx, models.GuildMember{MemberID: "m1", Username: "alice", JoinedAt: 100, LastUpdated: now.UnixMilli()}))
	require.NoError(t, s.MarkMemberLeft(ctx, models.GuildMember{MemberID: "m1"}, now))

	m, err := s.GetMember(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.LeftGuild)
	assert.Equal(t, now.UnixMilli(), m.LeftAt)
	assert.EqualValues(t, 100, m.JoinedAt)

	// Rejoining clears the departure.
	require.NoError(t, s.UpsertMember(ctx, models.GuildMember{MemberID: "m1", Username: "alice"}))
	m, err = s.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, m.LeftGuild)
	assert.Zero(t, m.LeftAt)
	assert.EqualValues(t, 100, m.JoinedAt, "zero join time keeps the stored one")

	// Unknown members still get a departure row.
	require.NoError(t, s.MarkMemberLeft(ctx, models.GuildMember{MemberID: "m2"}, now))
	total, left, err := s.CountMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, left)
}

func TestMemberRoles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceMemberRoles(ctx, "m1", []models.MemberRole{
		{RoleID: "r1", RoleName: "one", Position: 1},
		{RoleID: "r2", RoleName: "two", Position: 2},
	}))
	require.NoError(t, s.ReplaceMemberRoles(ctx, "m1", []models.MemberRole{
		{RoleID: "r2", RoleName: "two", Position: 2},
	}))
	roles, err := s.ListMemberRoles(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "r2", roles[0].RoleID)
	assert.Equal(t, models.RoleSourceLive, roles[0].Source)

	added, err := s.InsertMemberRolesIgnore(ctx, []models.MemberRole{
		{MemberID: "m1", RoleID: "r2", RoleName: "changed", Source: models.RoleSourceInferred},
		{MemberID: "m1", RoleID: "r3", RoleName: "three", Source: models.RoleSourceInferred},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	roles, err = s.ListMemberRoles(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roles, 2)
	for _, r := range roles {
		if r.RoleID == "r2" {
			assert.Equal(t, "two", r.RoleName, "existing pair untouched")
		}
	}

	require.NoError(t, s.AppendRoleHistory(ctx, []models.RoleHistoryEntry{
		{MemberID: "m1", RoleID: "r1", Action: models.RoleActionAdded, Timestamp: 1},
		{MemberID: "m1", RoleID: "r1", Action: models.RoleActionRemoved, Timestamp: 2},
	}))
	history, err := s.ListRoleHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleActionAdded, history[0].Action)
}

func TestGuildRoleSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.UnixMilli(1_000)

	require.NoError(t, s.UpsertGuildRole(ctx, models.GuildRole{RoleID: "r1", Name: "mods", Permissions: 8}, now))
	require.NoError(t, s.SoftDeleteGuildRole(ctx, "r1", now.Add(time.Second)))

	r, err := s.GetGuildRole(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Deleted)
	assert.Equal(t, "mods", r.Name)
	assert.Equal(t, now.Add(time.Second).UnixMilli(), r.DeletedAt)

	require.NoError(t, s.UpsertGuildRole(ctx, models.GuildRole{RoleID: "r1", Name: "mods"}, now.Add(2*time.Second)))
	roles, err := s.GuildRoles(ctx)
	require.NoError(t, err)
	assert.False(t, roles["r1"].Deleted)
	assert.Equal(t, now.UnixMilli(), roles["r1"].CreatedAt)
}

func TestLeftMemberCandidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bot := testMessage("1", "bot", 50)
	bot.AuthorIsBot = true
	_, err := s.InsertMessageBatch(ctx, []models.Message{
		testMessage("2", "gone", 10),
		testMessage("3", "gone", 40),
		testMessage("4", "here", 20),
		testMessage("5", "quiet", 5),
		bot,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertMember(ctx, models.GuildMember{MemberID: "here"}))

	candidates, err := s.LeftMemberCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, models.LeftMemberCandidate{
		AuthorID: "gone", AuthorName: "user-gone", FirstMessage: 10, LastMessage: 40, MessageCount: 2,
	}, candidates[0])
	assert.Equal(t, "quiet", candidates[1].AuthorID)

	limited, err := s.LeftMemberCandidates(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestInsertReconstructedMembersLeavesExistingRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertMember(ctx, models.GuildMember{MemberID: "live"}))
	added, err := s.InsertReconstructedMembers(ctx, []models.GuildMember{
		{MemberID: "live", JoinedAt: 1, LeftAt: 2},
		{MemberID: "gone", JoinedAt: 1, LeftAt: 2},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	live, err := s.GetMember(ctx, "live")
	require.NoError(t, err)
	assert.False(t, live.LeftGuild)

	gone, err := s.GetMember(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, gone.LeftGuild)
	assert.Equal(t, models.MemberSourceReconstructed, gone.Source)
}

func TestRoleEvidenceUsesExactMentionMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertGuildRole(ctx, models.GuildRole{RoleID: "12", Name: "short"}, now))
	require.NoError(t, s.UpsertGuildRole(ctx, models.GuildRole{RoleID: "123", Name: "long"}, now))

	m1 := testMessage("1", "m1", 300)
	m1.RoleMentions = `["123"]`
	m2 := testMessage("2", "m1", 200)
	m2.RoleMentions = `["123","999"]`
	m3 := testMessage("3", "m1", 100)
	m3.RoleMentions = `not json`
	_, err := s.InsertMessageBatch(ctx, []models.Message{m1, m2, m3})
	require.NoError(t, err)

	require.NoError(t, s.AppendRoleHistory(ctx, []models.RoleHistoryEntry{
		{MemberID: "m1", RoleID: "12", RoleName: "short", Action: models.RoleActionAdded, Timestamp: 50},
		{MemberID: "m1", RoleID: "12", Action: models.RoleActionAdded, Timestamp: 70},
		{MemberID: "m1", RoleID: "55", Action: models.RoleActionRemoved, Timestamp: 60},
	}))

	evidence, err := s.RoleEvidenceFor(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, evidence, 2)

	byRole := map[string]RoleEvidence{}
	for _, e := range evidence {
		byRole[e.RoleID+"/"+e.Source] = e
	}
	hist := byRole["12/"+models.RoleSourceHistory]
	assert.EqualValues(t, 50, hist.Timestamp)
	assert.Equal(t, "short", hist.RoleName)

	inferred := byRole["123/"+models.RoleSourceInferred]
	assert.EqualValues(t, 200, inferred.Timestamp)
	assert.Equal(t, "long", inferred.RoleName)
}

func TestLeftMembersWithoutRoles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.MarkMemberLeft(ctx, models.GuildMember{MemberID: id}, now))
	}
	require.NoError(t, s.UpsertMember(ctx, models.GuildMember{MemberID: "c"}))
	_, err := s.InsertMemberRolesIgnore(ctx, []models.MemberRole{{MemberID: "b", RoleID: "r"}})
	require.NoError(t, err)

	ids, err := s.LeftMembersWithoutRoles(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestMemberStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	day1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	require.NoError(t, s.IncrementJoins(ctx, day1, 2))
	require.NoError(t, s.IncrementLeaves(ctx, day1, 1))
	require.NoError(t, s.IncrementRoleGains(ctx, day2, 3))
	require.NoError(t, s.SetTotalMembers(ctx, day2, 42))

	stats, err := s.GetMemberStats(ctx, 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.MemberStat{Date: "2024-03-02", TotalMembers: 42, RoleGains: 3}, stats[0])
	assert.Equal(t, models.MemberStat{Date: "2024-03-01", Joins: 2, Leaves: 1}, stats[1])
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msgs := make([]models.Message, 0, 500)
	for i := 0; i < 500; i++ {
		m := testMessage(fmt.Sprintf("%d", i), "a", int64(i))
		m.Content = fmt.Sprintf("%0512d", i)
		msgs = append(msgs, m)
	}
	_, err := s.InsertMessageBatch(ctx, msgs)
	require.NoError(t, err)
	_, err = s.DB().Exec(`DELETE FROM messages`)
	require.NoError(t, err)

	res, err := s.Vacuum(ctx)
	require.NoError(t, err)
	assert.Positive(t, res.SizeBefore)
	assert.Less(t, res.SizeAfter, res.SizeBefore)
	assert.Greater(t, res.PercentSaved, 0.0)
}
