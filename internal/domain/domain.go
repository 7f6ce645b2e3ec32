package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type FollowerStatus string

const (
	StatusActive     FollowerStatus = "active"
	StatusUnfollowed FollowerStatus = "unfollowed"
)

type EventType string

const (
	EventUnfollowed EventType = "unfollowed"
	EventRefollowed EventType = "refollowed"
)

var (
	ErrTargetNotFound = errors.New("target not found")
	ErrTargetNotKnown = errors.New("unknown target") // stats row missing (target never provisioned)
	ErrTargetArchived = errors.New("target is archived")
	ErrAlreadyTracked = errors.New("target already tracked")

	ErrForbidden      = errors.New("forbidden")
	ErrScanInProgress = errors.New("scan already in progress for this target")

	ErrCacheMiss              = errors.New("cache miss")
	ErrIdempotencyKeyMismatch = errors.New("idempotency key reused with different payload")
)

// RawFollower is one loosely-typed record as returned by the scraper.
// Source schemas vary across accounts and over time, so every field that
// has appeared under more than one name gets its own slot; coalescing
// happens in the reconcile package. Unknown extra fields are ignored.
type RawFollower struct {
	ScreenName string `json:"screen_name"`
	Username   string `json:"username"`
	UserName   string `json:"user_name"`

	Name        string `json:"name"`
	DisplayName string `json:"display_name"`

	Description string `json:"description"`
	Bio         string `json:"bio"`

	FollowersCount    *int `json:"followers_count"`
	FollowersCountAlt *int `json:"followersCount"`
	FriendsCount      *int `json:"friends_count"`
	FollowingCount    *int `json:"following_count"`
	FollowingCountAlt *int `json:"followingCount"`
	StatusesCount     *int `json:"statuses_count"`
	TweetCount        *int `json:"tweet_count"`
	TweetCountAlt     *int `json:"tweetCount"`

	Verified       bool   `json:"verified"`
	IsBlueVerified bool   `json:"is_blue_verified"`
	BlueVerified   bool   `json:"blue_verified"`
	LegacyVerified bool   `json:"legacy_verified"`
	VerifiedType   string `json:"verified_type"`

	ProfileImageURLHTTPS string `json:"profile_image_url_https"`
	ProfileImageURL      string `json:"profile_image_url"`

	Location  string `json:"location"`
	CreatedAt string `json:"created_at"`
	URL       string `json:"url"`

	IDStr  string `json:"id_str"`
	ID     any    `json:"id"`      // number or string depending on source
	UserID any    `json:"user_id"` // same
}

// FollowerRecord is the stored representation of one (target, follower)
// relationship. (TargetAccount, Key) is unique; FirstSeenAt is set once and
// never overwritten; a record with StatusUnfollowed carries UnfollowedAt.
type FollowerRecord struct {
	TargetAccount string `json:"target_account"`
	Key           string `json:"key"`
	Handle        string `json:"handle"`

	DisplayName      string `json:"display_name,omitempty"`
	Bio              string `json:"bio,omitempty"`
	Location         string `json:"location,omitempty"`
	ProfileImageURL  string `json:"profile_image_url,omitempty"`
	ProfileURL       string `json:"profile_url,omitempty"`
	SourceID         string `json:"source_id,omitempty"`
	AccountCreatedAt string `json:"account_created_at,omitempty"` // passed through as-is, source formats vary

	FollowerCount  int  `json:"follower_count"`
	FollowingCount int  `json:"following_count"`
	PostCount      int  `json:"post_count"`
	Verified       bool `json:"verified"`

	Status FollowerStatus `json:"status"`

	FirstSeenAt  time.Time  `json:"first_seen_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	UnfollowedAt *time.Time `json:"unfollowed_at,omitempty"`
	ExtractedAt  time.Time  `json:"extracted_at"`
}

// LifecycleEvent is an immutable record of an unfollow/refollow transition.
type LifecycleEvent struct {
	ID uuid.UUID `json:"id"`

	TargetAccount  string `json:"target_account"`
	FollowerKey    string `json:"follower_key"`
	FollowerHandle string `json:"follower_handle"`

	// Profile snapshot at event time, for dashboards that render history
	// without joining back to the follower row.
	DisplayName     string `json:"display_name,omitempty"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
	Verified        bool   `json:"verified"`
	FollowerCount   int    `json:"follower_count"`

	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	DaysFollowed       int        `json:"days_followed,omitempty"`        // unfollowed only
	PreviousUnfollowAt *time.Time `json:"previous_unfollow_at,omitempty"` // refollowed only
	DaysAway           int        `json:"days_away,omitempty"`            // refollowed only
}

// ReconcileResult is what one reconciliation pass hands to the store.
type ReconcileResult struct {
	Upserts            []FollowerRecord
	Transitions        []LifecycleEvent
	DetectUnfollowsRan bool
	Coverage           float64

	NewCount      int
	UnfollowCount int
	RefollowCount int
}

// FollowerBatch is one extraction as returned by the scraper.
// TotalAvailable is 0 when the provider does not report it; Truncated is
// then inferred from the requested cap.
type FollowerBatch struct {
	Records        []RawFollower
	RequestedMax   int
	TotalAvailable int
	Truncated      bool
}

type ScanSummary struct {
	ID            uuid.UUID `json:"id"`
	TargetAccount string    `json:"target_account"`

	RequestedMax int  `json:"requested_max"`
	FetchedCount int  `json:"fetched_count"`
	Truncated    bool `json:"truncated"`

	DetectUnfollowsRan bool    `json:"detect_unfollows_ran"`
	Coverage           float64 `json:"coverage"`

	NewCount      int `json:"new_count"`
	UnfollowCount int `json:"unfollow_count"`
	RefollowCount int `json:"refollow_count"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type TargetStats struct {
	TargetAccount    string     `json:"target_account"`
	ActiveCount      int        `json:"active_count"`
	UnfollowedCount  int        `json:"unfollowed_count"`
	VerifiedCount    int        `json:"verified_count"`
	LastScanAt       *time.Time `json:"last_scan_at,omitempty"`
	LastScanCoverage float64    `json:"last_scan_coverage"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type TrackedTarget struct {
	ID        uuid.UUID `json:"id"`
	Handle    string    `json:"handle"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KeysetCursor pages lifecycle events (occurred_at DESC, id DESC).
type KeysetCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// FollowerCursor pages follower records (first_seen_at DESC, key DESC).
// Followers are keyed by string, not uuid, hence the separate cursor type.
type FollowerCursor struct {
	SeenAt time.Time
	Key    string
}

// FollowerRepository handles DB transactions, the outbox, and read endpoints.
type FollowerRepository interface {
	RegisterTarget(ctx context.Context, traceID, idempotencyKey, handle string, ownerID uuid.UUID) (TrackedTarget, error)
	ArchiveTarget(ctx context.Context, traceID, handle string, actorID uuid.UUID) error

	// ACL / lookup
	GetTarget(ctx context.Context, handle string) (TrackedTarget, error)

	// Reconciliation boundary. LoadPriorRecords must return every record
	// scoped to the target and nothing else; CommitReconciliation applies
	// upserts + event appends + outbox rows as one transaction.
	LoadPriorRecords(ctx context.Context, target string) (map[string]FollowerRecord, error)
	CommitReconciliation(ctx context.Context, traceID, idempotencyKey string, scan ScanSummary, res ReconcileResult) error

	// Reads
	ListFollowers(ctx context.Context, target string, statuses []FollowerStatus, limit int, cursor *FollowerCursor) ([]FollowerRecord, *FollowerCursor, error)
	ListEvents(ctx context.Context, target string, types []EventType, from, to *time.Time, limit int, cursor *KeysetCursor) ([]LifecycleEvent, *KeysetCursor, error)
	GetStats(ctx context.Context, target string) (TargetStats, error)

	// Provisioning from MQ snapshots
	InitTargetStats(ctx context.Context, target string) error
}

type CacheRepository interface {
	// Per-target scan serialization: two passes for the same target must
	// never run concurrently.
	AcquireScanLock(ctx context.Context, target string, ttl time.Duration) (bool, error)
	ReleaseScanLock(ctx context.Context, target string) error

	GetTargetStats(ctx context.Context, target string) (TargetStats, error)
	SetTargetStats(ctx context.Context, stats TargetStats, ttl time.Duration) error
	InvalidateTargetStats(ctx context.Context, target string) error

	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}

// Scraper fetches one raw follower batch for a target account.
type Scraper interface {
	FetchFollowers(ctx context.Context, target string, maxFollowers int) (FollowerBatch, error)
}
