package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/followlytics/follower-service/internal/audit"
	"github.com/followlytics/follower-service/internal/domain"
	"github.com/followlytics/follower-service/internal/metrics"
	"github.com/followlytics/follower-service/internal/pkg/logger"
	"github.com/followlytics/follower-service/internal/reconcile"
	"github.com/google/uuid"
)

type Config struct {
	CoverageThreshold   float64
	DefaultMaxFollowers int
	ScanLockTTL         time.Duration
	StatsCacheTTL       time.Duration
}

type FollowerService struct {
	repo    domain.FollowerRepository
	cache   domain.CacheRepository
	scraper domain.Scraper
	audit   *audit.Logger
	cfg     Config
}

func NewFollowerService(repo domain.FollowerRepository, cache domain.CacheRepository, scraper domain.Scraper, auditLog *audit.Logger, cfg Config) *FollowerService {
	if cfg.CoverageThreshold <= 0 || cfg.CoverageThreshold > 1 {
		cfg.CoverageThreshold = domain.DefaultCoverageThreshold
	}
	if cfg.DefaultMaxFollowers <= 0 {
		cfg.DefaultMaxFollowers = 1000
	}
	if cfg.ScanLockTTL <= 0 {
		cfg.ScanLockTTL = 10 * time.Minute
	}
	if cfg.StatsCacheTTL <= 0 {
		cfg.StatsCacheTTL = 5 * time.Minute
	}
	return &FollowerService{repo: repo, cache: cache, scraper: scraper, audit: auditLog, cfg: cfg}
}

func isPrivileged(role string) bool {
	r := strings.ToLower(strings.TrimSpace(role))
	return r == "admin" || r == "moderator"
}

// requireOwnerOrAdmin also rejects archived targets for write paths.
func (s *FollowerService) requireOwnerOrAdmin(ctx context.Context, target string, requesterID uuid.UUID, role string) (domain.TrackedTarget, error) {
	tgt, err := s.repo.GetTarget(ctx, target)
	if err != nil {
		return domain.TrackedTarget{}, err
	}
	if !isPrivileged(role) && tgt.OwnerID != requesterID {
		return domain.TrackedTarget{}, domain.ErrForbidden
	}
	return tgt, nil
}

func (s *FollowerService) RegisterTarget(ctx context.Context, traceID, idempotencyKey, handle string, ownerID uuid.UUID) (domain.TrackedTarget, error) {
	normalized := reconcile.NormalizeHandle(handle)
	if normalized == "" {
		return domain.TrackedTarget{}, domain.ErrTargetNotFound
	}
	tgt, err := s.repo.RegisterTarget(ctx, traceID, idempotencyKey, normalized, ownerID)
	if err != nil {
		return domain.TrackedTarget{}, err
	}
	s.audit.TargetRegistered(ctx, normalized, ownerID, idempotencyKey)
	return tgt, nil
}

func (s *FollowerService) ArchiveTarget(ctx context.Context, traceID, handle string, actorID uuid.UUID, role string) error {
	normalized := reconcile.NormalizeHandle(handle)
	if _, err := s.requireOwnerOrAdmin(ctx, normalized, actorID, role); err != nil {
		return err
	}
	if err := s.repo.ArchiveTarget(ctx, traceID, normalized, actorID); err != nil {
		return err
	}
	s.audit.TargetArchived(ctx, normalized, actorID)
	if s.cache != nil {
		_ = s.cache.InvalidateTargetStats(ctx, normalized)
	}
	return nil
}

// RunScan executes one extraction-and-reconciliation pass for a target.
// The redis lock serializes passes per target; the DB row lock inside
// CommitReconciliation backstops it.
func (s *FollowerService) RunScan(ctx context.Context, traceID, idempotencyKey, handle string, requesterID uuid.UUID, role string, maxFollowers int) (domain.ScanSummary, error) {
	target := reconcile.NormalizeHandle(handle)

	tgt, err := s.requireOwnerOrAdmin(ctx, target, requesterID, role)
	if err != nil {
		return domain.ScanSummary{}, err
	}
	if tgt.Archived {
		s.audit.ScanSkipped(ctx, target, "archived")
		return domain.ScanSummary{}, domain.ErrTargetArchived
	}

	if maxFollowers <= 0 {
		maxFollowers = s.cfg.DefaultMaxFollowers
	}

	if s.cache != nil {
		ok, err := s.cache.AcquireScanLock(ctx, target, s.cfg.ScanLockTTL)
		if err != nil {
			// Lock backend down: proceed, the DB row lock still serializes.
			log := logger.WithCtx(ctx)
			log.Warn().Err(err).Str("target", target).Msg("scan lock unavailable; relying on db lock")
		} else if !ok {
			s.audit.ScanSkipped(ctx, target, "scan in progress")
			return domain.ScanSummary{}, domain.ErrScanInProgress
		} else {
			defer func() { _ = s.cache.ReleaseScanLock(ctx, target) }()
		}
	}

	started := time.Now().UTC()
	timer := time.Now()

	batch, err := s.scraper.FetchFollowers(ctx, target, maxFollowers)
	if err != nil {
		metrics.ScanRuns.WithLabelValues("fetch_error").Inc()
		return domain.ScanSummary{}, err
	}
	metrics.FollowersFetched.Observe(float64(len(batch.Records)))

	// A failed prior load must abort the pass: treating it as an empty prior
	// set would mark the entire follower base as new and, worse, could flip
	// everyone to unfollowed on the next pass.
	prior, err := s.repo.LoadPriorRecords(ctx, target)
	if err != nil {
		metrics.ScanRuns.WithLabelValues("load_error").Inc()
		return domain.ScanSummary{}, err
	}

	now := time.Now().UTC()
	res := reconcile.Reconcile(target, batch.Records, prior, now, reconcile.Options{
		CoverageThreshold: s.cfg.CoverageThreshold,
		Truncated:         batch.Truncated,
	})

	if !res.DetectUnfollowsRan && len(prior) > 0 {
		s.audit.UnfollowDetectionSuppressed(ctx, target, res.Coverage, batch.Truncated)
		metrics.DetectionSuppressed.Inc()
	}

	scan := domain.ScanSummary{
		ID:                 uuid.New(),
		TargetAccount:      target,
		RequestedMax:       maxFollowers,
		FetchedCount:       len(batch.Records),
		Truncated:          batch.Truncated,
		DetectUnfollowsRan: res.DetectUnfollowsRan,
		Coverage:           res.Coverage,
		NewCount:           res.NewCount,
		UnfollowCount:      res.UnfollowCount,
		RefollowCount:      res.RefollowCount,
		StartedAt:          started,
		FinishedAt:         time.Now().UTC(),
	}

	if err := s.repo.CommitReconciliation(ctx, traceID, idempotencyKey, scan, res); err != nil {
		metrics.ScanRuns.WithLabelValues("commit_error").Inc()
		return domain.ScanSummary{}, err
	}

	metrics.ScanRuns.WithLabelValues("ok").Inc()
	metrics.ScanDuration.Observe(time.Since(timer).Seconds())
	for _, ev := range res.Transitions {
		metrics.Transitions.WithLabelValues(string(ev.Type)).Inc()
	}

	if s.cache != nil {
		_ = s.cache.InvalidateTargetStats(ctx, target)
	}
	s.audit.ScanCompleted(ctx, scan)
	return scan, nil
}

// Reads

func (s *FollowerService) ListFollowers(ctx context.Context, target string, statuses []domain.FollowerStatus, limit int, cursor *domain.FollowerCursor) ([]domain.FollowerRecord, *domain.FollowerCursor, error) {
	return s.repo.ListFollowers(ctx, reconcile.NormalizeHandle(target), statuses, limit, cursor)
}

// ListUnfollowers is ListFollowers pinned to the unfollowed status.
func (s *FollowerService) ListUnfollowers(ctx context.Context, target string, limit int, cursor *domain.FollowerCursor) ([]domain.FollowerRecord, *domain.FollowerCursor, error) {
	return s.repo.ListFollowers(ctx, reconcile.NormalizeHandle(target), []domain.FollowerStatus{domain.StatusUnfollowed}, limit, cursor)
}

func (s *FollowerService) ListEvents(ctx context.Context, target string, types []domain.EventType, from, to *time.Time, limit int, cursor *domain.KeysetCursor) ([]domain.LifecycleEvent, *domain.KeysetCursor, error) {
	return s.repo.ListEvents(ctx, reconcile.NormalizeHandle(target), types, from, to, limit, cursor)
}

func (s *FollowerService) GetStats(ctx context.Context, target string) (domain.TargetStats, error) {
	target = reconcile.NormalizeHandle(target)

	if s.cache != nil {
		if stats, err := s.cache.GetTargetStats(ctx, target); err == nil {
			return stats, nil
		} else if !errors.Is(err, domain.ErrCacheMiss) {
			log := logger.WithCtx(ctx)
			log.Warn().Err(err).Msg("stats cache read failed")
		}
	}

	stats, err := s.repo.GetStats(ctx, target)
	if err != nil {
		return domain.TargetStats{}, err
	}
	if s.cache != nil {
		_ = s.cache.SetTargetStats(ctx, stats, s.cfg.StatsCacheTTL)
	}
	return stats, nil
}

// InitTargetStats provisions the stats row for targets registered by other
// services, delivered over MQ.
func (s *FollowerService) InitTargetStats(ctx context.Context, target string) error {
	return s.repo.InitTargetStats(ctx, reconcile.NormalizeHandle(target))
}
