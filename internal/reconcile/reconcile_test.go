package reconcile_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/followlytics/follower-service/internal/domain"
	"github.com/followlytics/follower-service/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = "acme_corp"

func rawWith(handle string) domain.RawFollower {
	return domain.RawFollower{ScreenName: handle, Name: "User " + handle}
}

func rawBatch(handles ...string) []domain.RawFollower {
	out := make([]domain.RawFollower, 0, len(handles))
	for _, h := range handles {
		out = append(out, rawWith(h))
	}
	return out
}

func activeRecord(key string, firstSeen time.Time) domain.FollowerRecord {
	return domain.FollowerRecord{
		TargetAccount: target,
		Key:           key,
		Handle:        key,
		DisplayName:   "User " + key,
		Status:        domain.StatusActive,
		FirstSeenAt:   firstSeen,
		LastSeenAt:    firstSeen,
		ExtractedAt:   firstSeen,
	}
}

func priorSet(firstSeen time.Time, keys ...string) map[string]domain.FollowerRecord {
	m := make(map[string]domain.FollowerRecord, len(keys))
	for _, k := range keys {
		m[k] = activeRecord(k, firstSeen)
	}
	return m
}

func upsertByKey(res domain.ReconcileResult, key string) (domain.FollowerRecord, bool) {
	for _, u := range res.Upserts {
		if u.Key == key {
			return u, true
		}
	}
	return domain.FollowerRecord{}, false
}

func TestReconcile_FirstExtraction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res := reconcile.Reconcile(target, rawBatch("a", "b", "c"), nil, now, reconcile.Options{})

	assert.True(t, res.DetectUnfollowsRan)
	assert.Empty(t, res.Transitions)
	assert.Equal(t, 3, res.NewCount)
	require.Len(t, res.Upserts, 3)
	for _, u := range res.Upserts {
		assert.Equal(t, target, u.TargetAccount)
		assert.Equal(t, domain.StatusActive, u.Status)
		assert.Equal(t, now, u.FirstSeenAt)
		assert.Equal(t, now, u.LastSeenAt)
		assert.Equal(t, now, u.ExtractedAt)
		assert.Nil(t, u.UnfollowedAt)
	}
}

func TestReconcile_InsufficientCoverageSkipsUnfollows(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(10 * 24 * time.Hour)
	prior := priorSet(t0, "a", "b", "c")

	// coverage 2/3 < 0.8: C stays active, no events
	res := reconcile.Reconcile(target, rawBatch("a", "b"), prior, now, reconcile.Options{})

	assert.False(t, res.DetectUnfollowsRan)
	assert.Empty(t, res.Transitions)
	assert.Equal(t, 0, res.UnfollowCount)
	require.Len(t, res.Upserts, 2)
	_, hasC := upsertByKey(res, "c")
	assert.False(t, hasC, "absent follower must not be touched below threshold")
	assert.InDelta(t, 2.0/3.0, res.Coverage, 1e-9)
}

func TestReconcile_UnfollowDetected(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(10*24*time.Hour + 3*time.Hour)
	prior := priorSet(t0, "a", "b", "c", "d", "e")

	// coverage 4/5 = 0.8: E transitions to unfollowed
	res := reconcile.Reconcile(target, rawBatch("a", "b", "c", "d"), prior, now, reconcile.Options{})

	assert.True(t, res.DetectUnfollowsRan)
	assert.Equal(t, 1, res.UnfollowCount)
	require.Len(t, res.Transitions, 1)

	ev := res.Transitions[0]
	assert.Equal(t, domain.EventUnfollowed, ev.Type)
	assert.Equal(t, "e", ev.FollowerKey)
	assert.Equal(t, target, ev.TargetAccount)
	assert.Equal(t, now, ev.OccurredAt)
	assert.Equal(t, 10, ev.DaysFollowed) // floor(10d3h / 1d)

	flipped, ok := upsertByKey(res, "e")
	require.True(t, ok, "unfollow flip must be part of the upserts")
	assert.Equal(t, domain.StatusUnfollowed, flipped.Status)
	require.NotNil(t, flipped.UnfollowedAt)
	assert.Equal(t, now, *flipped.UnfollowedAt)
	assert.Equal(t, now, flipped.LastSeenAt)
	assert.Equal(t, t0, flipped.FirstSeenAt, "first_seen_at never overwritten")
}

func TestReconcile_TruncatedFetchNeverDetects(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	prior := priorSet(t0, "a", "b", "c", "d", "e")

	res := reconcile.Reconcile(target, rawBatch("a", "b", "c", "d", "e"), prior, t0.Add(time.Hour), reconcile.Options{Truncated: true})

	assert.False(t, res.DetectUnfollowsRan)
	assert.Empty(t, res.Transitions)
}

func TestReconcile_Refollow(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	unfollowedAt := t0.Add(30 * 24 * time.Hour)
	now := unfollowedAt.Add(5*24*time.Hour + 30*time.Minute)

	gone := activeRecord("a", t0)
	gone.Status = domain.StatusUnfollowed
	gone.UnfollowedAt = &unfollowedAt
	prior := map[string]domain.FollowerRecord{"a": gone}

	res := reconcile.Reconcile(target, rawBatch("a"), prior, now, reconcile.Options{})

	assert.True(t, res.DetectUnfollowsRan)
	assert.Equal(t, 1, res.RefollowCount)
	require.Len(t, res.Transitions, 1)

	ev := res.Transitions[0]
	assert.Equal(t, domain.EventRefollowed, ev.Type)
	assert.Equal(t, "a", ev.FollowerKey)
	require.NotNil(t, ev.PreviousUnfollowAt)
	assert.Equal(t, unfollowedAt, *ev.PreviousUnfollowAt)
	assert.Equal(t, 5, ev.DaysAway)

	back, ok := upsertByKey(res, "a")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, back.Status)
	assert.Equal(t, t0, back.FirstSeenAt)
}

func TestReconcile_RefollowWithoutUnfollowTimestamp(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lastSeen := t0.Add(10 * 24 * time.Hour)
	now := lastSeen.Add(3 * 24 * time.Hour)

	gone := activeRecord("a", t0)
	gone.Status = domain.StatusUnfollowed
	gone.LastSeenAt = lastSeen
	gone.UnfollowedAt = nil // legacy row flipped without a timestamp
	prior := map[string]domain.FollowerRecord{"a": gone}

	res := reconcile.Reconcile(target, rawBatch("a"), prior, now, reconcile.Options{})

	require.Len(t, res.Transitions, 1)
	ev := res.Transitions[0]
	require.NotNil(t, ev.PreviousUnfollowAt)
	assert.Equal(t, lastSeen, *ev.PreviousUnfollowAt)
	assert.Equal(t, 3, ev.DaysAway)
}

func TestReconcile_AlreadyUnfollowedNotReEmitted(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	unfollowedAt := t0.Add(24 * time.Hour)

	gone := activeRecord("b", t0)
	gone.Status = domain.StatusUnfollowed
	gone.UnfollowedAt = &unfollowedAt

	prior := map[string]domain.FollowerRecord{
		"a": activeRecord("a", t0),
		"b": gone,
	}

	res := reconcile.Reconcile(target, rawBatch("a", "x"), prior, unfollowedAt.Add(24*time.Hour), reconcile.Options{})

	assert.True(t, res.DetectUnfollowsRan)
	assert.Empty(t, res.Transitions, "an already-unfollowed absent record emits nothing")
	_, hasB := upsertByKey(res, "b")
	assert.False(t, hasB)
}

func TestReconcile_Idempotent(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(24 * time.Hour)
	prior := priorSet(t0, "a", "b", "c", "d", "e")
	batch := rawBatch("a", "b", "c", "d")

	first := reconcile.Reconcile(target, batch, prior, now, reconcile.Options{})
	require.Equal(t, 1, first.UnfollowCount)

	// Apply the first pass to build the new prior state, then re-run the
	// same batch at the same time: no duplicate events, no double flips.
	applied := make(map[string]domain.FollowerRecord, len(prior))
	for k, v := range prior {
		applied[k] = v
	}
	for _, u := range first.Upserts {
		applied[u.Key] = u
	}

	second := reconcile.Reconcile(target, batch, applied, now, reconcile.Options{})
	assert.Empty(t, second.Transitions)
	assert.Equal(t, 0, second.NewCount)
	assert.Equal(t, 0, second.UnfollowCount)

	// The fetched records' stored state is unchanged.
	for _, u := range second.Upserts {
		assert.Equal(t, applied[u.Key], u)
	}
}

func TestReconcile_EventOrderDeterministic(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(24 * time.Hour)
	prior := priorSet(t0, "a", "b", "z", "y", "x", "c", "d", "e", "f", "g")

	// 8/10 coverage, z and y gone
	batch := rawBatch("a", "b", "c", "d", "e", "f", "g", "q")
	res := reconcile.Reconcile(target, batch, prior, now, reconcile.Options{})

	require.Len(t, res.Transitions, 2)
	assert.Equal(t, "y", res.Transitions[0].FollowerKey)
	assert.Equal(t, "z", res.Transitions[1].FollowerKey)
}

func TestReconcile_DuplicateKeysInBatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// "Jack.Dorsey" and "jack_dorsey" differ, but "_jack_" and "jack" collapse
	batch := []domain.RawFollower{
		{ScreenName: "jack", Name: "First"},
		{ScreenName: "_jack_", Name: "Second"},
	}
	res := reconcile.Reconcile(target, batch, nil, now, reconcile.Options{})

	require.Len(t, res.Upserts, 1)
	assert.Equal(t, "jack", res.Upserts[0].Key)
	assert.Equal(t, "First", res.Upserts[0].DisplayName, "first occurrence wins")
	assert.Equal(t, 1, res.NewCount)
}

func TestReconcile_MalformedRecordsGetSyntheticKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	batch := []domain.RawFollower{
		{}, // no handle under any field name
		{},
		{ScreenName: "real"},
	}
	res := reconcile.Reconcile(target, batch, nil, now, reconcile.Options{})

	require.Len(t, res.Upserts, 3, "malformed records are stored, not dropped")
	keys := map[string]bool{}
	for _, u := range res.Upserts {
		keys[u.Key] = true
	}
	assert.Len(t, keys, 3, "synthetic keys must be unique within a batch")
	assert.Contains(t, keys, "real")
	for k := range keys {
		if k == "real" {
			continue
		}
		assert.Contains(t, k, fmt.Sprintf("unknown_%d", now.UnixNano()))
	}
}

func TestReconcile_TargetScopingStamped(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	res := reconcile.Reconcile("alice", rawBatch("shared_follower"), nil, now, reconcile.Options{})
	require.Len(t, res.Upserts, 1)
	assert.Equal(t, "alice", res.Upserts[0].TargetAccount)
}
