// Package reconstruct infers historical membership from archived messages.
//
// The results are best-effort evidence, not ground truth: join and leave times are
// bounded by message activity, and roles mined from mentions are tagged "inferred".
package reconstruct

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"guild-archiver/database"
	"guild-archiver/models"
	"guild-archiver/source"
)

var rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_reconstruct_rows_total",
	Help: "Rows written by reconstruction, by kind",
}, []string{"kind"})

var batchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_reconstruct_batch_errors_total",
	Help: "Reconstruction batches rolled back, by kind",
}, []string{"kind"})

const (
	defaultCandidateLimit = 10000
	defaultBatchSize      = 100
)

// Reconstructor rebuilds departed members and their roles.
type Reconstructor struct {
	store   *database.Store
	members source.MemberLookup
	logger  *slog.Logger
	limit   int
	batch   int
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New returns a reconstructor. members confirms whether a candidate is still present.
func New(store *database.Store, members source.MemberLookup, cfg models.ReconstructConfig, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconstructor{
		store:   store,
		members: members,
		logger:  logger.With("module", "reconstruct"),
		limit:   cfg.CandidateLimit,
		batch:   cfg.BatchSize,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if r.limit <= 0 {
		r.limit = defaultCandidateLimit
	}
	if r.batch <= 0 {
		r.batch = defaultBatchSize
	}
	return r
}

// SetClock replaces the time source used for last_updated stamps.
func (r *Reconstructor) SetClock(now func() time.Time) { r.now = now }

// SetSleeper replaces the rate-limit sleep.
func (r *Reconstructor) SetSleeper(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

// lookup asks the upstream for a member, waiting out rate limits. A rate limit is
// never an answer about membership.
func (r *Reconstructor) lookup(ctx context.Context, log *slog.Logger, guildID, memberID string) (*models.GuildMember, error) {
	for {
		current, err := r.members.FetchCurrentMember(ctx, guildID, memberID)
		rl, limited := source.AsRateLimit(err)
		if !limited {
			return current, err
		}
		log.Info("rate limited, retrying member lookup", "member_id", memberID, "retry_after", rl.RetryAfter)
		if err := r.sleep(ctx, rl.RetryAfter); err != nil {
			return nil, err
		}
	}
}

// LeftMembers records message authors who are no longer in the guild. Join and
// leave times are estimated from their first and last archived message.
func (r *Reconstructor) LeftMembers(ctx context.Context, guildID string) (models.ReconstructSummary, error) {
	start := time.Now()
	sum := models.ReconstructSummary{RunID: ulid.Make().String()}
	log := r.logger.With("run_id", sum.RunID, "kind", "members")

	candidates, err := r.store.LeftMemberCandidates(ctx, r.limit)
	if err != nil {
		return sum, err
	}
	sum.Candidates = len(candidates)
	log.Info("reconstructing left members", "candidates", len(candidates))

	var absent []models.GuildMember
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		current, err := r.lookup(ctx, log, guildID, c.AuthorID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sum, ctxErr
		}
		if err == nil && current != nil {
			sum.StillThere++
			continue
		}
		if err != nil && !errors.Is(err, source.ErrNotFound) {
			log.Debug("member lookup failed, treating as absent", "member_id", c.AuthorID, "err", err)
		}
		absent = append(absent, departedMember(c))
	}

	for i := 0; i < len(absent); i += r.batch {
		end := min(i+r.batch, len(absent))
		sum.Batches++
		added, err := r.store.InsertReconstructedMembers(ctx, absent[i:end], r.now())
		if err != nil {
			sum.Errors++
			batchErrors.WithLabelValues("members").Inc()
			log.Error("member batch rolled back", "batch", sum.Batches, "size", end-i, "err", err)
			continue
		}
		sum.Written += added
		rowsWritten.WithLabelValues("members").Add(float64(added))
	}

	sum.Elapsed = time.Since(start)
	log.Info("left member reconstruction finished",
		"written", sum.Written, "still_there", sum.StillThere, "errors", sum.Errors, "elapsed", sum.Elapsed)
	return sum, nil
}

func departedMember(c models.LeftMemberCandidate) models.GuildMember {
	return models.GuildMember{
		MemberID:    c.AuthorID,
		Username:    c.AuthorName,
		DisplayName: c.AuthorName,
		JoinedAt:    c.FirstMessage,
		JoinedAtISO: time.UnixMilli(c.FirstMessage).UTC().Format(time.RFC3339),
		LeftGuild:   true,
		LeftAt:      c.LastMessage,
		Source:      models.MemberSourceReconstructed,
	}
}

// Roles assigns roles to departed members that have none, from their role history
// and from role mentions in the messages they wrote.
func (r *Reconstructor) Roles(ctx context.Context) (models.ReconstructSummary, error) {
	start := time.Now()
	sum := models.ReconstructSummary{RunID: ulid.Make().String()}
	log := r.logger.With("run_id", sum.RunID, "kind", "roles")

	ids, err := r.store.LeftMembersWithoutRoles(ctx, r.limit)
	if err != nil {
		return sum, err
	}
	sum.Candidates = len(ids)
	log.Info("reconstructing roles", "members", len(ids))

	var pending []models.MemberRole
	flush := func() {
		if len(pending) == 0 {
			return
		}
		sum.Batches++
		added, err := r.store.InsertMemberRolesIgnore(ctx, pending)
		if err != nil {
			sum.Errors++
			batchErrors.WithLabelValues("roles").Inc()
			log.Error("role batch rolled back", "batch", sum.Batches, "size", len(pending), "err", err)
		} else {
			sum.Written += added
			rowsWritten.WithLabelValues("roles").Add(float64(added))
		}
		pending = pending[:0]
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		evidence, err := r.store.RoleEvidenceFor(ctx, id)
		if err != nil {
			sum.Errors++
			log.Error("failed to gather role evidence", "member_id", id, "err", err)
			continue
		}
		pending = append(pending, MergeEvidence(id, evidence)...)
		if len(pending) >= r.batch {
			flush()
		}
	}
	flush()

	sum.Elapsed = time.Since(start)
	log.Info("role reconstruction finished", "written", sum.Written, "errors", sum.Errors, "elapsed", sum.Elapsed)
	return sum, nil
}

// MergeEvidence folds evidence into one role per role id, keeping the earliest
// timestamp. On a tie history evidence wins over mention evidence.
func MergeEvidence(memberID string, evidence []database.RoleEvidence) []models.MemberRole {
	byRole := make(map[string]models.MemberRole, len(evidence))
	for _, e := range evidence {
		cur, ok := byRole[e.RoleID]
		if ok && !earlier(e, cur) {
			continue
		}
		byRole[e.RoleID] = models.MemberRole{
			MemberID:   memberID,
			RoleID:     e.RoleID,
			RoleName:   e.RoleName,
			RoleColor:  e.RoleColor,
			Position:   e.Position,
			AssignedAt: e.Timestamp,
			Source:     e.Source,
		}
	}

	out := make([]models.MemberRole, 0, len(byRole))
	for _, role := range byRole {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return models.OlderID(out[i].RoleID, out[j].RoleID) })
	return out
}

func earlier(e database.RoleEvidence, cur models.MemberRole) bool {
	if e.Timestamp != cur.AssignedAt {
		return e.Timestamp < cur.AssignedAt
	}
	return e.Source == models.RoleSourceHistory && cur.Source != models.RoleSourceHistory
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
