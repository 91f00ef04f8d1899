// Package job implements persistent records for long-running provisioning
// jobs: typed field access over a key-value subtree, an append-only log,
// per-type stores with TTL-based expiry, and a cross-type registry for
// status queries.
package job

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted per job and are part of the stable
// on-disk contract.
type Status string

const (
	StatusStarted   Status = "Started"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// statusRank orders statuses so transitions can only move forward.
// Completed and Failed share a rank: both are terminal and neither may
// replace the other.
var statusRank = map[Status]int{
	StatusStarted:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from s to next. Setting the
// same status again is permitted (idempotent status writes); moving
// backward or out of a terminal state is not.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}
