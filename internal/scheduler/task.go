package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/internal/entity"
)

// Task is the schedulable unit of work: one file within a job.
type Task struct {
	JobID          uuid.UUID
	FileID         uuid.UUID
	OwnerID        uuid.UUID
	Priority       int // 1 is served first
	Filename       string
	FileRef        string
	PageRange      *entity.PageRange
	EstimatedPages int

	// Attempt counts runs performed, including the one in flight.
	Attempt int
	// ReservedPages is the quota held for this file. Set by the first
	// attempt's reservation; it survives transient retries so a retry
	// never double-charges.
	ReservedPages int

	EnqueuedAt time.Time

	// queue bookkeeping
	readyAt time.Time
	seq     uint64
	index   int
}
