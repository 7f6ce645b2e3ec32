package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/followlytics/follower-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// ListFollowers pages the follower set newest-first on (first_seen_at, key).
// The cursor encodes the last row of the previous page; rows strictly after
// it in the sort order are returned. Fetches limit+1 to decide whether a
// next cursor exists.
func (r *Repository) ListFollowers(ctx context.Context, target string, statuses []domain.FollowerStatus, limit int, cursor *domain.FollowerCursor) ([]domain.FollowerRecord, *domain.FollowerCursor, error) {
	limit = clampLimit(limit)

	query := `
		SELECT target_account, key, handle,
		       display_name, bio, location, profile_image_url, profile_url,
		       source_id, account_created_at,
		       follower_count, following_count, post_count, verified,
		       status, first_seen_at, last_seen_at, unfollowed_at, extracted_at
		FROM followers
		WHERE target_account = $1`
	args := []any{target}

	if len(statuses) > 0 {
		ss := make([]string, 0, len(statuses))
		for _, s := range statuses {
			ss = append(ss, string(s))
		}
		args = append(args, ss)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.SeenAt, cursor.Key)
		query += fmt.Sprintf(" AND (first_seen_at, key) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY first_seen_at DESC, key DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list followers for %q: %w", target, err)
	}
	defer rows.Close()

	var out []domain.FollowerRecord
	for rows.Next() {
		rec, err := scanFollower(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.FollowerCursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &domain.FollowerCursor{SeenAt: last.FirstSeenAt, Key: last.Key}
	}
	return out, next, nil
}

// ListEvents pages the lifecycle history newest-first on (occurred_at, id),
// optionally filtered by event type and time window.
func (r *Repository) ListEvents(ctx context.Context, target string, types []domain.EventType, from, to *time.Time, limit int, cursor *domain.KeysetCursor) ([]domain.LifecycleEvent, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, target_account, follower_key, follower_handle,
		       display_name, profile_image_url, verified, follower_count,
		       event_type, occurred_at,
		       days_followed, previous_unfollow_at, days_away
		FROM follower_events
		WHERE target_account = $1`
	args := []any{target}

	if len(types) > 0 {
		ts := make([]string, 0, len(types))
		for _, t := range types {
			ts = append(ts, string(t))
		}
		args = append(args, ts)
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND occurred_at < $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (occurred_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list events for %q: %w", target, err)
	}
	defer rows.Close()

	var out []domain.LifecycleEvent
	for rows.Next() {
		var ev domain.LifecycleEvent
		var evType string
		var displayName, imageURL *string
		err := rows.Scan(
			&ev.ID, &ev.TargetAccount, &ev.FollowerKey, &ev.FollowerHandle,
			&displayName, &imageURL, &ev.Verified, &ev.FollowerCount,
			&evType, &ev.OccurredAt,
			&ev.DaysFollowed, &ev.PreviousUnfollowAt, &ev.DaysAway,
		)
		if err != nil {
			return nil, nil, err
		}
		ev.Type = domain.EventType(evType)
		ev.DisplayName = deref(displayName)
		ev.ProfileImageURL = deref(imageURL)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &domain.KeysetCursor{CreatedAt: last.OccurredAt, ID: last.ID}
	}
	return out, next, nil
}

// GetStats returns the maintained snapshot. ErrTargetNotKnown means the
// target was never provisioned, which the edge maps to 404.
func (r *Repository) GetStats(ctx context.Context, target string) (domain.TargetStats, error) {
	var st domain.TargetStats
	var lastScanAt *time.Time
	var coverage *float64
	err := r.pool.QueryRow(ctx, `
		SELECT target_account, active_count, unfollowed_count, verified_count,
		       last_scan_at, last_scan_coverage, updated_at
		FROM target_stats
		WHERE target_account = $1
	`, target).Scan(
		&st.TargetAccount, &st.ActiveCount, &st.UnfollowedCount, &st.VerifiedCount,
		&lastScanAt, &coverage, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TargetStats{}, domain.ErrTargetNotKnown
	}
	if err != nil {
		return domain.TargetStats{}, err
	}
	st.LastScanAt = lastScanAt
	if coverage != nil {
		st.LastScanCoverage = *coverage
	}
	return st, nil
}
