package cache

import (
	"time"
)

// IsStale reports whether an entry written at cachedAt must be refreshed at now.
// A non-positive staleAfter means no freshness window, so every entry is stale.
// The boundary is inclusive: an entry is stale at exactly cachedAt+staleAfter.
func IsStale(cachedAt time.Time, staleAfter time.Duration, now time.Time) bool {
	if staleAfter <= 0 {
		return true
	}

	return !cachedAt.Add(staleAfter).After(now)
}
