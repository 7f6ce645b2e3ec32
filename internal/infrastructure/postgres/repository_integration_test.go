//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/followlytics/follower-service/internal/domain"
	"github.com/followlytics/follower-service/internal/infrastructure/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper: Setup DB connection and reset state.
func setupRepo(t *testing.T) (*postgres.Repository, *pgxpool.Pool) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DB_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)

	ApplyMigrations(t, pool, "../../../migrations")

	_, err = pool.Exec(context.Background(),
		"TRUNCATE TABLE tracked_targets, followers, follower_events, target_stats, scans, outbox, processed_messages, idempotency_keys RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	return postgres.New(pool), pool
}

func record(target, key string, status domain.FollowerStatus, seen time.Time) domain.FollowerRecord {
	return domain.FollowerRecord{
		TargetAccount: target,
		Key:           key,
		Handle:        key,
		Status:        status,
		FirstSeenAt:   seen,
		LastSeenAt:    seen,
		ExtractedAt:   seen,
	}
}

func TestCommitReconciliation_FullPass(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := repo.RegisterTarget(ctx, "t1", "reg-1", "acme", uuid.New())
	require.NoError(t, err)

	unfollowedAt := now
	res := domain.ReconcileResult{
		Upserts: []domain.FollowerRecord{
			record("acme", "alice", domain.StatusActive, now),
			record("acme", "bob", domain.StatusActive, now),
			{
				TargetAccount: "acme", Key: "carol", Handle: "carol",
				Status:      domain.StatusUnfollowed,
				FirstSeenAt: now.Add(-72 * time.Hour), LastSeenAt: now,
				UnfollowedAt: &unfollowedAt, ExtractedAt: now,
			},
		},
		Transitions: []domain.LifecycleEvent{
			{
				TargetAccount: "acme", FollowerKey: "carol", FollowerHandle: "carol",
				Type: domain.EventUnfollowed, OccurredAt: now, DaysFollowed: 3,
			},
		},
		DetectUnfollowsRan: true,
		Coverage:           1.0,
		NewCount:           2,
		UnfollowCount:      1,
	}
	scan := domain.ScanSummary{
		TargetAccount: "acme",
		RequestedMax:  1000, FetchedCount: 2,
		StartedAt: now.Add(-time.Minute), FinishedAt: now,
	}

	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "scan-1", scan, res))

	// Follower rows landed with the right statuses.
	prior, err := repo.LoadPriorRecords(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, prior, 3)
	assert.Equal(t, domain.StatusActive, prior["alice"].Status)
	assert.Equal(t, domain.StatusUnfollowed, prior["carol"].Status)
	require.NotNil(t, prior["carol"].UnfollowedAt)

	// The unfollow event and its outbox row were written in the same tx.
	events, _, err := repo.ListEvents(ctx, "acme", nil, nil, nil, 10, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventUnfollowed, events[0].Type)
	assert.Equal(t, 3, events[0].DaysFollowed)

	var outboxCount int
	pool.QueryRow(ctx, "SELECT count(*) FROM outbox WHERE routing_key='follower.unfollowed'").Scan(&outboxCount)
	assert.Equal(t, 1, outboxCount)

	// Stats reflect the committed rows.
	stats, err := repo.GetStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveCount)
	assert.Equal(t, 1, stats.UnfollowedCount)
	require.NotNil(t, stats.LastScanAt)

	var scanCount int
	pool.QueryRow(ctx, "SELECT count(*) FROM scans WHERE target_account='acme'").Scan(&scanCount)
	assert.Equal(t, 1, scanCount)
}

func TestCommitReconciliation_ReplaySameKeyIsNoop(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	res := domain.ReconcileResult{
		Upserts: []domain.FollowerRecord{record("acme", "alice", domain.StatusActive, now)},
		Transitions: []domain.LifecycleEvent{{
			TargetAccount: "acme", FollowerKey: "ghost", FollowerHandle: "ghost",
			Type: domain.EventUnfollowed, OccurredAt: now,
		}},
		DetectUnfollowsRan: true, Coverage: 1.0,
	}
	scan := domain.ScanSummary{TargetAccount: "acme", StartedAt: now, FinishedAt: now}

	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "scan-dup", scan, res))
	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "scan-dup", scan, res))

	var eventCount int
	pool.QueryRow(ctx, "SELECT count(*) FROM follower_events").Scan(&eventCount)
	assert.Equal(t, 1, eventCount, "replayed commit must not append events twice")
}

func TestCommitReconciliation_KeyReuseAcrossTargetsRejected(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	scanA := domain.ScanSummary{TargetAccount: "acme", StartedAt: now, FinishedAt: now}
	scanB := domain.ScanSummary{TargetAccount: "globex", StartedAt: now, FinishedAt: now}

	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "shared-key", scanA, domain.ReconcileResult{}))
	err := repo.CommitReconciliation(ctx, "t2", "shared-key", scanB, domain.ReconcileResult{})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyMismatch)
}

func TestCommitReconciliation_PreservesFirstSeenAt(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	first := time.Now().UTC().Add(-240 * time.Hour).Truncate(time.Millisecond)
	later := time.Now().UTC().Truncate(time.Millisecond)

	r1 := record("acme", "alice", domain.StatusActive, first)
	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "p1",
		domain.ScanSummary{TargetAccount: "acme", StartedAt: first, FinishedAt: first},
		domain.ReconcileResult{Upserts: []domain.FollowerRecord{r1}, Coverage: 1}))

	// Second pass carries the prior FirstSeenAt, as the reconciler does.
	r2 := record("acme", "alice", domain.StatusActive, later)
	r2.FirstSeenAt = first
	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "p2",
		domain.ScanSummary{TargetAccount: "acme", StartedAt: later, FinishedAt: later},
		domain.ReconcileResult{Upserts: []domain.FollowerRecord{r2}, Coverage: 1}))

	prior, err := repo.LoadPriorRecords(ctx, "acme")
	require.NoError(t, err)
	assert.WithinDuration(t, first, prior["alice"].FirstSeenAt, time.Second)
	assert.WithinDuration(t, later, prior["alice"].LastSeenAt, time.Second)
}

func TestLoadPriorRecords_ScopedByTarget(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "a1",
		domain.ScanSummary{TargetAccount: "acme", StartedAt: now, FinishedAt: now},
		domain.ReconcileResult{Upserts: []domain.FollowerRecord{record("acme", "alice", domain.StatusActive, now)}, Coverage: 1}))
	require.NoError(t, repo.CommitReconciliation(ctx, "t2", "b1",
		domain.ScanSummary{TargetAccount: "globex", StartedAt: now, FinishedAt: now},
		domain.ReconcileResult{Upserts: []domain.FollowerRecord{record("globex", "bob", domain.StatusActive, now)}, Coverage: 1}))

	prior, err := repo.LoadPriorRecords(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, prior, 1)
	_, ok := prior["bob"]
	assert.False(t, ok, "records from other targets must not leak")
}

func TestRegisterTarget_Lifecycle(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	owner := uuid.New()

	tgt, err := repo.RegisterTarget(ctx, "t1", "", "acme", owner)
	require.NoError(t, err)
	assert.Equal(t, "acme", tgt.Handle)
	assert.False(t, tgt.Archived)

	// Stats row provisioned immediately: reads work before the first scan.
	stats, err := repo.GetStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActiveCount)

	var outboxCount int
	pool.QueryRow(ctx, "SELECT count(*) FROM outbox WHERE routing_key='target.tracked'").Scan(&outboxCount)
	assert.Equal(t, 1, outboxCount)

	// Double registration of a live target fails.
	_, err = repo.RegisterTarget(ctx, "t2", "", "acme", owner)
	assert.ErrorIs(t, err, domain.ErrAlreadyTracked)

	// Archive, then re-register: resumes tracking instead of failing.
	require.NoError(t, repo.ArchiveTarget(ctx, "t3", "acme", owner))
	got, err := repo.GetTarget(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, got.Archived)

	tgt2, err := repo.RegisterTarget(ctx, "t4", "", "acme", owner)
	require.NoError(t, err)
	assert.False(t, tgt2.Archived)
	assert.Equal(t, tgt.ID, tgt2.ID, "history is kept across archive cycles")
}

func TestArchiveTarget_NotFound(t *testing.T) {
	repo, _ := setupRepo(t)
	err := repo.ArchiveTarget(context.Background(), "t1", "nope", uuid.New())
	assert.ErrorIs(t, err, domain.ErrTargetNotFound)
}

func TestListFollowers_KeysetPagination(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	var ups []domain.FollowerRecord
	for i := 0; i < 5; i++ {
		ups = append(ups, record("acme", fmt.Sprintf("user%d", i), domain.StatusActive, base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "p1",
		domain.ScanSummary{TargetAccount: "acme", StartedAt: base, FinishedAt: base},
		domain.ReconcileResult{Upserts: ups, Coverage: 1}))

	page1, cur, err := repo.ListFollowers(ctx, "acme", nil, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cur)
	assert.Equal(t, "user4", page1[0].Key) // newest first

	page2, cur, err := repo.ListFollowers(ctx, "acme", nil, 2, cur)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotNil(t, cur)

	page3, cur, err := repo.ListFollowers(ctx, "acme", nil, 2, cur)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Nil(t, cur, "no cursor past the last page")

	// No overlap across pages.
	seen := map[string]bool{}
	for _, p := range [][]domain.FollowerRecord{page1, page2, page3} {
		for _, f := range p {
			assert.False(t, seen[f.Key])
			seen[f.Key] = true
		}
	}
}

func TestListFollowers_StatusFilter(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	gone := record("acme", "gone", domain.StatusUnfollowed, now)
	gone.UnfollowedAt = &now
	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "p1",
		domain.ScanSummary{TargetAccount: "acme", StartedAt: now, FinishedAt: now},
		domain.ReconcileResult{Upserts: []domain.FollowerRecord{
			record("acme", "here", domain.StatusActive, now), gone,
		}, Coverage: 1}))

	only, _, err := repo.ListFollowers(ctx, "acme", []domain.FollowerStatus{domain.StatusUnfollowed}, 10, nil)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "gone", only[0].Key)
}

func TestListEvents_TypeAndWindowFilter(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	res := domain.ReconcileResult{
		Transitions: []domain.LifecycleEvent{
			{TargetAccount: "acme", FollowerKey: "a", FollowerHandle: "a", Type: domain.EventUnfollowed, OccurredAt: base.Add(-48 * time.Hour)},
			{TargetAccount: "acme", FollowerKey: "b", FollowerHandle: "b", Type: domain.EventRefollowed, OccurredAt: base.Add(-24 * time.Hour)},
			{TargetAccount: "acme", FollowerKey: "c", FollowerHandle: "c", Type: domain.EventUnfollowed, OccurredAt: base},
		},
		DetectUnfollowsRan: true, Coverage: 1,
	}
	require.NoError(t, repo.CommitReconciliation(ctx, "t1", "p1",
		domain.ScanSummary{TargetAccount: "acme", StartedAt: base, FinishedAt: base}, res))

	unf, _, err := repo.ListEvents(ctx, "acme", []domain.EventType{domain.EventUnfollowed}, nil, nil, 10, nil)
	require.NoError(t, err)
	assert.Len(t, unf, 2)

	from := base.Add(-30 * time.Hour)
	windowed, _, err := repo.ListEvents(ctx, "acme", nil, &from, nil, 10, nil)
	require.NoError(t, err)
	assert.Len(t, windowed, 2, "48h-old event is outside the window")
}

func TestGetStats_UnknownTarget(t *testing.T) {
	repo, _ := setupRepo(t)
	_, err := repo.GetStats(context.Background(), "never-registered")
	assert.ErrorIs(t, err, domain.ErrTargetNotKnown)
}

func TestProcessOnce_Dedupes(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		processed, err := repo.ProcessOnce(ctx, "msg-1", "scan.requested", func(tx pgx.Tx) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		if i == 0 {
			assert.True(t, processed)
		} else {
			assert.False(t, processed)
		}
	}
	assert.Equal(t, 1, calls)
}
