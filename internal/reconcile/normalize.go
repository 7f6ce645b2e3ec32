package reconcile

import "strings"

var handleReplacer = strings.NewReplacer("/", "_", ".", "_")

// NormalizeHandle maps a raw handle to its stable storage key.
//
// One canonical algorithm for every call site: trim whitespace, substitute
// "/" and "." with "_", collapse runs of underscores, strip leading/trailing
// underscores. A handle normalized differently across extraction passes
// would silently split one follower into duplicate records, so nothing else
// in the codebase is allowed to derive keys.
//
// Returns "" when nothing usable remains; callers must substitute a
// synthetic key in that case (see Reconcile).
//
// Idempotent on its own output: the result contains no "/", ".", doubled or
// edge underscores, so normalizing twice equals normalizing once.
func NormalizeHandle(raw string) string {
	s := strings.TrimSpace(raw)
	s = handleReplacer.Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
