package audit

import (
	"context"

	"github.com/followlytics/follower-service/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for business events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// TargetRegistered logs when a target account starts being tracked
func (l *Logger) TargetRegistered(ctx context.Context, target string, ownerID uuid.UUID, idempotencyKey string) {
	l.log.Info().
		Str("action", "target_registered").
		Str("target", target).
		Str("owner_id", ownerID.String()).
		Str("idempotency_key", idempotencyKey).
		Str("trace_id", getTraceID(ctx)).
		Msg("Target registered for tracking")
}

// TargetArchived logs when tracking stops for a target
func (l *Logger) TargetArchived(ctx context.Context, target string, actorID uuid.UUID) {
	l.log.Warn().
		Str("action", "target_archived").
		Str("target", target).
		Str("actor_user_id", actorID.String()).
		Str("trace_id", getTraceID(ctx)).
		Msg("Target archived")
}

// ScanCompleted logs the outcome of one reconciliation pass
func (l *Logger) ScanCompleted(ctx context.Context, scan domain.ScanSummary) {
	l.log.Info().
		Str("action", "scan_completed").
		Str("target", scan.TargetAccount).
		Int("fetched", scan.FetchedCount).
		Bool("truncated", scan.Truncated).
		Bool("detect_unfollows_ran", scan.DetectUnfollowsRan).
		Float64("coverage", scan.Coverage).
		Int("new", scan.NewCount).
		Int("unfollows", scan.UnfollowCount).
		Int("refollows", scan.RefollowCount).
		Str("trace_id", getTraceID(ctx)).
		Msg("Reconciliation pass committed")
}

// ScanSkipped logs a pass that was rejected before running
func (l *Logger) ScanSkipped(ctx context.Context, target, reason string) {
	l.log.Info().
		Str("action", "scan_skipped").
		Str("target", target).
		Str("reason", reason).
		Str("trace_id", getTraceID(ctx)).
		Msg("Scan skipped")
}

// UnfollowDetectionSuppressed logs a pass whose coverage was too low to
// trust absence as an unfollow signal
func (l *Logger) UnfollowDetectionSuppressed(ctx context.Context, target string, coverage float64, truncated bool) {
	l.log.Warn().
		Str("action", "unfollow_detection_suppressed").
		Str("target", target).
		Float64("coverage", coverage).
		Bool("truncated", truncated).
		Str("trace_id", getTraceID(ctx)).
		Msg("Partial snapshot; unfollow detection suppressed")
}

// getTraceID extracts trace ID from context if available
func getTraceID(ctx context.Context) string {
	if v := ctx.Value("trace_id"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	// Try to get from request ID as fallback
	if v := ctx.Value("request_id"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
