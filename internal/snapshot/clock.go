package snapshot

import (
	"time"

	"flytie/internal/state"
)

// NextTime returns the snapshot time for a run starting at now. Snapshot times must
// increase, so a clock reading at or behind the active snapshot yields active+1.
func NextTime(now time.Time, active state.SnapshotTime) state.SnapshotTime {
	next := state.SnapshotTimeOf(now)
	if next <= active {
		next = active + 1
	}
	return next
}
