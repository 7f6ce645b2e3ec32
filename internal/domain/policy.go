package domain

// DefaultCoverageThreshold is the minimum fetched/prior ratio required
// before a pass is allowed to mark absent followers as unfollowed.
// A deliberate safety margin, not a hard law; tune via COVERAGE_THRESHOLD.
const DefaultCoverageThreshold = 0.8

// ShouldDetectUnfollows gates unfollow detection for one reconciliation pass.
//
// Semantics:
// - truncated fetch: never detect — a capped extraction cannot stand in for
//   "everyone still following", no matter the ratio
// - prior == 0: first extraction, nothing to diff against, detection is
//   vacuously safe
// - otherwise: fetched/prior must reach the threshold
//
// The conservative bias is the point: a scraper that returns 200 of 5000
// known followers must not unfollow the other 4800.
func ShouldDetectUnfollows(fetched, prior int, truncated bool, threshold float64) bool {
	if truncated {
		return false
	}
	if prior <= 0 {
		return true
	}
	if threshold <= 0 {
		threshold = DefaultCoverageThreshold
	}
	return Coverage(fetched, prior) >= threshold
}

// Coverage is the fetched/prior ratio; 1 when there is no prior state.
func Coverage(fetched, prior int) float64 {
	if prior <= 0 {
		return 1
	}
	return float64(fetched) / float64(prior)
}
