package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/followlytics/follower-service/internal/domain"
)

// Options tunes one reconciliation pass.
type Options struct {
	// CoverageThreshold gates unfollow detection; zero means the default.
	CoverageThreshold float64
	// Truncated marks the fetch as capped: the provider had more records
	// than the extraction returned. Disables unfollow detection outright.
	Truncated bool
}

// Reconcile diffs a freshly fetched follower batch against the previously
// stored set for the same target and classifies every record: still active,
// newly seen, unfollowed, or refollowed.
//
// Pure function: no I/O, no clock reads, no randomness. Event IDs are left
// zero and assigned by the store on append, so two runs over the same input
// produce identical results. Committing the output twice converges to the
// same stored state (modulo last_seen_at / extracted_at advancing with now).
//
// Per key per pass, at most one lifecycle event fires: a key is newly
// active, still active, newly unfollowed, or reactivated — never two of
// those at once. Events are emitted in key order for deterministic output.
func Reconcile(target string, fetched []domain.RawFollower, prior map[string]domain.FollowerRecord, now time.Time, opts Options) domain.ReconcileResult {
	res := domain.ReconcileResult{
		Coverage: domain.Coverage(len(fetched), len(prior)),
	}

	seen := make(map[string]struct{}, len(fetched))
	fresh := make(map[string]domain.FollowerRecord, len(fetched))
	var refollowKeys []string
	syntheticSeq := 0

	for _, raw := range fetched {
		key := NormalizeHandle(Handle(raw))
		if key == "" {
			// No usable handle under any known field name. Not an error:
			// synthesize a key unique within this pass so the record is
			// still stored rather than dropped.
			syntheticSeq++
			key = fmt.Sprintf("unknown_%d_%d", now.UnixNano(), syntheticSeq)
		}
		if _, dup := seen[key]; dup {
			// Two raw records collapsing to one key in a single batch:
			// first occurrence wins, so one pass never upserts a key twice.
			continue
		}
		seen[key] = struct{}{}

		rec := buildRecord(target, key, raw, now)
		if p, ok := prior[key]; ok {
			rec.FirstSeenAt = p.FirstSeenAt
			if p.Status == domain.StatusUnfollowed {
				refollowKeys = append(refollowKeys, key)
			}
		} else {
			rec.FirstSeenAt = now
			res.NewCount++
		}

		fresh[key] = rec
		res.Upserts = append(res.Upserts, rec)
	}

	res.DetectUnfollowsRan = domain.ShouldDetectUnfollows(len(fetched), len(prior), opts.Truncated, opts.CoverageThreshold)
	if !res.DetectUnfollowsRan {
		// Partial extraction: upserts only. Silent no-op for diffing, not
		// an error.
		return res
	}

	var goneKeys []string
	for key, p := range prior {
		if _, present := seen[key]; present {
			continue
		}
		if p.Status == domain.StatusUnfollowed {
			continue // already transitioned on an earlier pass
		}
		goneKeys = append(goneKeys, key)
	}
	sort.Strings(goneKeys)
	sort.Strings(refollowKeys)

	for _, key := range goneKeys {
		p := prior[key]
		unfollowedAt := now
		p.Status = domain.StatusUnfollowed
		p.UnfollowedAt = &unfollowedAt
		p.LastSeenAt = now
		p.ExtractedAt = now
		res.Upserts = append(res.Upserts, p)
		res.UnfollowCount++

		res.Transitions = append(res.Transitions, domain.LifecycleEvent{
			TargetAccount:   target,
			FollowerKey:     key,
			FollowerHandle:  p.Handle,
			DisplayName:     p.DisplayName,
			ProfileImageURL: p.ProfileImageURL,
			Verified:        p.Verified,
			FollowerCount:   p.FollowerCount,
			Type:            domain.EventUnfollowed,
			OccurredAt:      now,
			DaysFollowed:    wholeDays(p.FirstSeenAt, now),
		})
	}

	for _, key := range refollowKeys {
		p := prior[key]
		rec := fresh[key]

		// Legacy rows may have been flipped without a timestamp; fall back
		// to the last time the follower was seen.
		prevUnfollow := p.LastSeenAt
		if p.UnfollowedAt != nil {
			prevUnfollow = *p.UnfollowedAt
		}
		prev := prevUnfollow
		res.RefollowCount++

		res.Transitions = append(res.Transitions, domain.LifecycleEvent{
			TargetAccount:      target,
			FollowerKey:        key,
			FollowerHandle:     rec.Handle,
			DisplayName:        rec.DisplayName,
			ProfileImageURL:    rec.ProfileImageURL,
			Verified:           rec.Verified,
			FollowerCount:      rec.FollowerCount,
			Type:               domain.EventRefollowed,
			OccurredAt:         now,
			PreviousUnfollowAt: &prev,
			DaysAway:           wholeDays(prevUnfollow, now),
		})
	}

	return res
}

// buildRecord maps one raw record onto the stored shape. Descriptive
// attributes always take the freshly fetched values; lifecycle timestamps
// are merged by the caller.
func buildRecord(target, key string, raw domain.RawFollower, now time.Time) domain.FollowerRecord {
	handle := Handle(raw)
	if handle == "" {
		handle = key
	}
	return domain.FollowerRecord{
		TargetAccount:    target,
		Key:              key,
		Handle:           handle,
		DisplayName:      DisplayName(raw),
		Bio:              Bio(raw),
		Location:         raw.Location,
		ProfileImageURL:  ProfileImageURL(raw),
		ProfileURL:       raw.URL,
		SourceID:         SourceID(raw),
		AccountCreatedAt: raw.CreatedAt,
		FollowerCount:    FollowerCount(raw),
		FollowingCount:   FollowingCount(raw),
		PostCount:        PostCount(raw),
		Verified:         IsVerified(raw),
		Status:           domain.StatusActive,
		FirstSeenAt:      now, // overwritten with the prior value when the record exists
		LastSeenAt:       now,
		ExtractedAt:      now,
	}
}

func wholeDays(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
