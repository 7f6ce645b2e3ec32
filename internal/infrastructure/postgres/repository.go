package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/followlytics/follower-service/internal/contracts/event"
	"github.com/followlytics/follower-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// -------------------------
// Locking policy:
// Every write path for the same target locks in this order:
//   1) target_stats row (FOR UPDATE) — the per-target serialization point
//   2) follower rows via the upsert itself
// Two reconciliation passes for the same target therefore cannot interleave
// at the DB level even if the redis lock in front of them fails open.
// -------------------------

// LoadPriorRecords returns every stored follower record for the target,
// keyed by normalized key. Scoped strictly by target_account: records for
// other targets must never leak into a pass. An empty map with a nil error
// is a valid first-extraction state; any error is an infrastructure fault
// the caller must treat as fatal for the pass.
func (r *Repository) LoadPriorRecords(ctx context.Context, target string) (map[string]domain.FollowerRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT target_account, key, handle,
		       display_name, bio, location, profile_image_url, profile_url,
		       source_id, account_created_at,
		       follower_count, following_count, post_count, verified,
		       status, first_seen_at, last_seen_at, unfollowed_at, extracted_at
		FROM followers
		WHERE target_account = $1
	`, target)
	if err != nil {
		return nil, fmt.Errorf("load prior records for %q: %w", target, err)
	}
	defer rows.Close()

	out := make(map[string]domain.FollowerRecord)
	for rows.Next() {
		rec, err := scanFollower(rows)
		if err != nil {
			return nil, fmt.Errorf("load prior records for %q: %w", target, err)
		}
		out[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load prior records for %q: %w", target, err)
	}
	return out, nil
}

// CommitReconciliation applies one pass as a single transaction: follower
// upserts, lifecycle-event appends, one outbox row per event, the scan audit
// row, and the target_stats refresh. Either everything lands or nothing
// does — a crash mid-pass must not leave a status flipped without its event.
func (r *Repository) CommitReconciliation(ctx context.Context, traceID, idempotencyKey string, scan domain.ScanSummary, res domain.ReconcileResult) error {
	traceID = strings.TrimSpace(traceID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	target := scan.TargetAccount

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 0) Idempotency fence: a replayed commit (MQ redelivery, client retry)
	// must not append events twice.
	if idempotencyKey != "" {
		dup, err := claimIdempotencyKey(ctx, tx, idempotencyKey, target, "scan")
		if err != nil {
			return err
		}
		if dup {
			// Same pass already committed: no-op success.
			return tx.Commit(ctx)
		}
	}

	// 1) Lock the per-target serialization point. Provision the stats row
	// on the very first pass for a target.
	var have int
	err = tx.QueryRow(ctx, `SELECT 1 FROM target_stats WHERE target_account = $1 FOR UPDATE`, target).Scan(&have)
	if errors.Is(err, pgx.ErrNoRows) {
		_, _ = tx.Exec(ctx, `
			INSERT INTO target_stats (target_account, active_count, unfollowed_count, verified_count, updated_at)
			VALUES ($1, 0, 0, 0, NOW())
			ON CONFLICT (target_account) DO NOTHING
		`, target)
		err = tx.QueryRow(ctx, `SELECT 1 FROM target_stats WHERE target_account = $1 FOR UPDATE`, target).Scan(&have)
	}
	if err != nil {
		return err
	}

	// 2) Batched upserts. first_seen_at is written on insert only — never
	// overwritten for an existing record.
	batch := &pgx.Batch{}
	for _, u := range res.Upserts {
		batch.Queue(`
			INSERT INTO followers (
				target_account, key, handle,
				display_name, bio, location, profile_image_url, profile_url,
				source_id, account_created_at,
				follower_count, following_count, post_count, verified,
				status, first_seen_at, last_seen_at, unfollowed_at, extracted_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
			ON CONFLICT (target_account, key) DO UPDATE SET
				handle = EXCLUDED.handle,
				display_name = EXCLUDED.display_name,
				bio = EXCLUDED.bio,
				location = EXCLUDED.location,
				profile_image_url = EXCLUDED.profile_image_url,
				profile_url = EXCLUDED.profile_url,
				source_id = EXCLUDED.source_id,
				account_created_at = EXCLUDED.account_created_at,
				follower_count = EXCLUDED.follower_count,
				following_count = EXCLUDED.following_count,
				post_count = EXCLUDED.post_count,
				verified = EXCLUDED.verified,
				status = EXCLUDED.status,
				last_seen_at = EXCLUDED.last_seen_at,
				unfollowed_at = EXCLUDED.unfollowed_at,
				extracted_at = EXCLUDED.extracted_at
		`,
			u.TargetAccount, u.Key, u.Handle,
			nullable(u.DisplayName), nullable(u.Bio), nullable(u.Location), nullable(u.ProfileImageURL), nullable(u.ProfileURL),
			nullable(u.SourceID), nullable(u.AccountCreatedAt),
			u.FollowerCount, u.FollowingCount, u.PostCount, u.Verified,
			string(u.Status), u.FirstSeenAt, u.LastSeenAt, u.UnfollowedAt, u.ExtractedAt,
		)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for range res.Upserts {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("upsert followers for %q: %w", target, err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	// 3) Append lifecycle events + one outbox row each. Events are
	// append-only: plain INSERTs, never upserts.
	for _, ev := range res.Transitions {
		eventID := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO follower_events (
				id, target_account, follower_key, follower_handle,
				display_name, profile_image_url, verified, follower_count,
				event_type, occurred_at,
				days_followed, previous_unfollow_at, days_away,
				created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
		`,
			eventID, ev.TargetAccount, ev.FollowerKey, ev.FollowerHandle,
			nullable(ev.DisplayName), nullable(ev.ProfileImageURL), ev.Verified, ev.FollowerCount,
			string(ev.Type), ev.OccurredAt,
			ev.DaysFollowed, ev.PreviousUnfollowAt, ev.DaysAway,
		)
		if err != nil {
			return fmt.Errorf("append events for %q: %w", target, err)
		}

		payload, _ := json.Marshal(event.FollowerTransitionPayload{
			TargetAccount:      ev.TargetAccount,
			FollowerKey:        ev.FollowerKey,
			FollowerHandle:     ev.FollowerHandle,
			EventType:          string(ev.Type),
			OccurredAt:         ev.OccurredAt,
			DaysFollowed:       ev.DaysFollowed,
			PreviousUnfollowAt: ev.PreviousUnfollowAt,
			DaysAway:           ev.DaysAway,
		})
		_, err = tx.Exec(ctx,
			`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
			 VALUES ($1, $2, $3, $4, NOW(), 'pending')`,
			uuid.New(), traceID, "follower."+string(ev.Type), payload,
		)
		if err != nil {
			return err
		}
	}

	// 4) Scan audit row.
	scanID := scan.ID
	if scanID == uuid.Nil {
		scanID = uuid.New()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO scans (
			id, target_account, trace_id,
			requested_max, fetched_count, truncated,
			detect_unfollows_ran, coverage,
			new_count, unfollow_count, refollow_count,
			started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		scanID, target, traceID,
		scan.RequestedMax, scan.FetchedCount, scan.Truncated,
		res.DetectUnfollowsRan, res.Coverage,
		res.NewCount, res.UnfollowCount, res.RefollowCount,
		scan.StartedAt, scan.FinishedAt,
	)
	if err != nil {
		return err
	}

	// 5) Refresh the stats snapshot from the now-updated follower rows.
	_, err = tx.Exec(ctx, `
		UPDATE target_stats SET
			active_count     = src.active_count,
			unfollowed_count = src.unfollowed_count,
			verified_count   = src.verified_count,
			last_scan_at     = $2,
			last_scan_coverage = $3,
			updated_at       = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'active')                  AS active_count,
				COUNT(*) FILTER (WHERE status = 'unfollowed')              AS unfollowed_count,
				COUNT(*) FILTER (WHERE status = 'active' AND verified)     AS verified_count
			FROM followers
			WHERE target_account = $1
		) AS src
		WHERE target_stats.target_account = $1
	`, target, scan.FinishedAt, res.Coverage)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func scanFollower(rows pgx.Rows) (domain.FollowerRecord, error) {
	var rec domain.FollowerRecord
	var status string
	var displayName, bio, location, imageURL, profileURL, sourceID, accountCreatedAt *string
	err := rows.Scan(
		&rec.TargetAccount, &rec.Key, &rec.Handle,
		&displayName, &bio, &location, &imageURL, &profileURL,
		&sourceID, &accountCreatedAt,
		&rec.FollowerCount, &rec.FollowingCount, &rec.PostCount, &rec.Verified,
		&status, &rec.FirstSeenAt, &rec.LastSeenAt, &rec.UnfollowedAt, &rec.ExtractedAt,
	)
	if err != nil {
		return domain.FollowerRecord{}, err
	}
	rec.Status = domain.FollowerStatus(status)
	rec.DisplayName = deref(displayName)
	rec.Bio = deref(bio)
	rec.Location = deref(location)
	rec.ProfileImageURL = deref(imageURL)
	rec.ProfileURL = deref(profileURL)
	rec.SourceID = deref(sourceID)
	rec.AccountCreatedAt = deref(accountCreatedAt)
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
