package model

// Status is the lifecycle state of a queued transaction.
type Status string

const (
	// StatusPending means queued locally, not yet attempted (or retryable).
	StatusPending Status = "pending"
	// StatusSyncing means a commit attempt is in flight right now.
	StatusSyncing Status = "syncing"
	// StatusCompleted means the remote ledger confirmed the commit. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the last attempt did not succeed. Retryable unless
	// the row's Terminal flag is set.
	StatusFailed Status = "failed"
	// StatusCancelled means the transaction was withdrawn before it ever
	// synced. Terminal.
	StatusCancelled Status = "cancelled"
)

// transitions lists the legal next states per state. syncing→pending is the
// crash-recovery path: a row stuck in syncing when no pass is in flight is
// stale and gets requeued.
var transitions = map[Status][]Status{
	StatusPending: {StatusSyncing, StatusCancelled},
	StatusSyncing: {StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:  {StatusSyncing, StatusCancelled},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal. Completed
// and cancelled are one-way doors.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
