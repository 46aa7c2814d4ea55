package constants

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPendingClaim    JobStatus = "pending_claim"     // created by claim, not yet picked up
	JobStatusProcessing      JobStatus = "processing"        // a consumer owns it
	JobStatusWaitingForCache JobStatus = "waiting_for_cache" // parked behind an in-flight sibling
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

// IsTerminal reports whether no consumer will move the job on its own.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the stored values.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPendingClaim, JobStatusProcessing, JobStatusWaitingForCache, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// ProgressPct is the coarse progress estimate reported to clients.
func (s JobStatus) ProgressPct() int {
	switch s {
	case JobStatusPendingClaim:
		return 10
	case JobStatusProcessing:
		return 50
	case JobStatusWaitingForCache:
		return 75
	case JobStatusCompleted, JobStatusFailed:
		return 100
	}
	return 0
}
