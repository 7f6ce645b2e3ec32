package reconcile

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/followlytics/follower-service/internal/domain"
)

// Field coalescing for the messy external schema: the scraper has returned
// the same attribute under different names across accounts and over time.
// Each helper picks the first populated variant so the reconciler itself
// never touches alternate field names.

// Handle returns the follower's handle, or "" when no known field carries one.
func Handle(r domain.RawFollower) string {
	return firstNonEmpty(r.ScreenName, r.Username, r.UserName)
}

// DisplayName falls back to the handle so dashboards never render blanks.
func DisplayName(r domain.RawFollower) string {
	return firstNonEmpty(r.Name, r.DisplayName, Handle(r))
}

func Bio(r domain.RawFollower) string {
	return firstNonEmpty(r.Description, r.Bio)
}

func ProfileImageURL(r domain.RawFollower) string {
	return firstNonEmpty(r.ProfileImageURLHTTPS, r.ProfileImageURL)
}

func FollowerCount(r domain.RawFollower) int {
	return firstCount(r.FollowersCount, r.FollowersCountAlt)
}

func FollowingCount(r domain.RawFollower) int {
	return firstCount(r.FriendsCount, r.FollowingCount, r.FollowingCountAlt)
}

func PostCount(r domain.RawFollower) int {
	return firstCount(r.StatusesCount, r.TweetCount, r.TweetCountAlt)
}

// SourceID returns the provider-side account id when present. Some sources
// send it as a JSON string, others as a number.
func SourceID(r domain.RawFollower) string {
	if s := strings.TrimSpace(r.IDStr); s != "" {
		return s
	}
	if s := stringID(r.ID); s != "" {
		return s
	}
	return stringID(r.UserID)
}

// IsVerified ORs every verification signal the source has ever exposed:
// the legacy flag, both paid-verification flags, and any non-empty
// verified_type. The upstream schema is inconsistent across accounts and
// over time; treating any positive signal as verified avoids under-counting.
func IsVerified(r domain.RawFollower) bool {
	if r.Verified || r.IsBlueVerified || r.BlueVerified || r.LegacyVerified {
		return true
	}
	return strings.TrimSpace(r.VerifiedType) != ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstCount(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func stringID(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
