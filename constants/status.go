package constants

// JobStatus is the canonical status for batch jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // created, no file dispatched yet
	JobStatusProcessing JobStatus = "processing" // first file task dequeued
	JobStatusCompleted  JobStatus = "completed"  // terminal, at least one file succeeded
	JobStatusFailed     JobStatus = "failed"     // terminal, every file failed
	JobStatusCancelled  JobStatus = "cancelled"  // terminal, owner cancelled
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// FileStatus is the canonical status for files within a batch job.
type FileStatus string

const (
	FileStatusQueued     FileStatus = "queued"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// Terminal reports whether the file status is immutable.
func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// PlanType selects which quota counter a reservation charges.
type PlanType string

const (
	PlanFree PlanType = "free" // lifetime page cap
	PlanPro  PlanType = "pro"  // rolling-period page cap
)
