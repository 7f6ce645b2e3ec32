package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/followlytics/follower-service/internal/contracts/event"
	"github.com/followlytics/follower-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RegisterTarget creates a tracked target owned by ownerID. Re-registering a
// live target returns ErrAlreadyTracked; re-registering an archived one
// un-archives it instead of failing, so tracking can resume without losing
// follower history.
func (r *Repository) RegisterTarget(ctx context.Context, traceID, idempotencyKey, handle string, ownerID uuid.UUID) (domain.TrackedTarget, error) {
	traceID = strings.TrimSpace(traceID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.TrackedTarget{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if idempotencyKey != "" {
		dup, err := claimIdempotencyKey(ctx, tx, idempotencyKey, handle, "register")
		if err != nil {
			return domain.TrackedTarget{}, err
		}
		if dup {
			// Replay of a commit that already succeeded.
			t, err := getTargetTx(ctx, tx, handle)
			if err != nil {
				return domain.TrackedTarget{}, err
			}
			return t, tx.Commit(ctx)
		}
	}

	var existing domain.TrackedTarget
	err = tx.QueryRow(ctx,
		`SELECT id, handle, owner_id, archived, created_at, updated_at FROM tracked_targets WHERE handle = $1 FOR UPDATE`,
		handle,
	).Scan(&existing.ID, &existing.Handle, &existing.OwnerID, &existing.Archived, &existing.CreatedAt, &existing.UpdatedAt)
	switch {
	case err == nil:
		if !existing.Archived {
			return domain.TrackedTarget{}, domain.ErrAlreadyTracked
		}
		err = tx.QueryRow(ctx,
			`UPDATE tracked_targets SET archived = FALSE, owner_id = $2, updated_at = NOW() WHERE handle = $1
			 RETURNING id, handle, owner_id, archived, created_at, updated_at`,
			handle, ownerID,
		).Scan(&existing.ID, &existing.Handle, &existing.OwnerID, &existing.Archived, &existing.CreatedAt, &existing.UpdatedAt)
		if err != nil {
			return domain.TrackedTarget{}, err
		}
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx,
			`INSERT INTO tracked_targets (id, handle, owner_id, archived, created_at, updated_at)
			 VALUES ($1, $2, $3, FALSE, NOW(), NOW())
			 RETURNING id, handle, owner_id, archived, created_at, updated_at`,
			uuid.New(), handle, ownerID,
		).Scan(&existing.ID, &existing.Handle, &existing.OwnerID, &existing.Archived, &existing.CreatedAt, &existing.UpdatedAt)
		if err != nil {
			return domain.TrackedTarget{}, err
		}
	default:
		return domain.TrackedTarget{}, err
	}

	// Provision the stats row so reads work before the first scan.
	if err := initTargetStatsTx(ctx, tx, handle); err != nil {
		return domain.TrackedTarget{}, err
	}

	payload, _ := json.Marshal(event.TargetRegisteredPayload{TargetAccount: handle})
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		 VALUES ($1, $2, 'target.tracked', $3, NOW(), 'pending')`,
		uuid.New(), traceID, payload,
	)
	if err != nil {
		return domain.TrackedTarget{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.TrackedTarget{}, err
	}
	return existing, nil
}

// ArchiveTarget soft-deletes a target. Follower rows and events stay for
// audit; scans and writes for the target are rejected while archived.
func (r *Repository) ArchiveTarget(ctx context.Context, traceID, handle string, actorID uuid.UUID) error {
	traceID = strings.TrimSpace(traceID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE tracked_targets SET archived = TRUE, updated_at = NOW() WHERE handle = $1 AND archived = FALSE`,
		handle,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var archived bool
		err := tx.QueryRow(ctx, `SELECT archived FROM tracked_targets WHERE handle = $1`, handle).Scan(&archived)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrTargetNotFound
		}
		if err != nil {
			return err
		}
		// Already archived: archive is idempotent.
		return tx.Commit(ctx)
	}

	payload, _ := json.Marshal(map[string]string{
		"target_account": handle,
		"actor_id":       actorID.String(),
	})
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		 VALUES ($1, $2, 'target.archived', $3, NOW(), 'pending')`,
		uuid.New(), traceID, payload,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *Repository) GetTarget(ctx context.Context, handle string) (domain.TrackedTarget, error) {
	var t domain.TrackedTarget
	err := r.pool.QueryRow(ctx,
		`SELECT id, handle, owner_id, archived, created_at, updated_at FROM tracked_targets WHERE handle = $1`,
		handle,
	).Scan(&t.ID, &t.Handle, &t.OwnerID, &t.Archived, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TrackedTarget{}, domain.ErrTargetNotFound
	}
	if err != nil {
		return domain.TrackedTarget{}, err
	}
	return t, nil
}

func getTargetTx(ctx context.Context, tx pgx.Tx, handle string) (domain.TrackedTarget, error) {
	var t domain.TrackedTarget
	err := tx.QueryRow(ctx,
		`SELECT id, handle, owner_id, archived, created_at, updated_at FROM tracked_targets WHERE handle = $1`,
		handle,
	).Scan(&t.ID, &t.Handle, &t.OwnerID, &t.Archived, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TrackedTarget{}, domain.ErrTargetNotFound
	}
	return t, err
}

// InitTargetStats provisions an empty stats row so stats reads never 404
// between registration and the first scan.
func (r *Repository) InitTargetStats(ctx context.Context, target string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO target_stats (target_account, active_count, unfollowed_count, verified_count, updated_at)
		VALUES ($1, 0, 0, 0, NOW())
		ON CONFLICT (target_account) DO NOTHING
	`, target)
	return err
}

// InitTargetStatsTx is the transactional variant, used by the MQ consumer
// under its dedupe fence.
func (r *Repository) InitTargetStatsTx(ctx context.Context, tx pgx.Tx, target string) error {
	return initTargetStatsTx(ctx, tx, target)
}

func initTargetStatsTx(ctx context.Context, tx pgx.Tx, target string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO target_stats (target_account, active_count, unfollowed_count, verified_count, updated_at)
		VALUES ($1, 0, 0, 0, NOW())
		ON CONFLICT (target_account) DO NOTHING
	`, target)
	return err
}

// claimIdempotencyKey inserts the key or, if it already exists, verifies it
// was claimed for the same target and action. Returns dup=true when the key
// belongs to an earlier successful commit of the same request.
func claimIdempotencyKey(ctx context.Context, tx pgx.Tx, key, target, action string) (bool, error) {
	var inserted string
	err := tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, target_account, action, created_at, expires_at)
		VALUES ($1, $2, $3, NOW(), NOW() + INTERVAL '24 hours')
		ON CONFLICT (key) DO NOTHING
		RETURNING key
	`, key, target, action).Scan(&inserted)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	var existTarget, existAction string
	if err := tx.QueryRow(ctx, `SELECT target_account, action FROM idempotency_keys WHERE key = $1`, key).Scan(&existTarget, &existAction); err != nil {
		return false, err
	}
	if existTarget != target || existAction != action {
		return false, domain.ErrIdempotencyKeyMismatch
	}
	return true, nil
}
