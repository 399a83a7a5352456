package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/entity"
)

// JobFilter narrows and pages ListJobs results.
type JobFilter struct {
	Status *constants.JobStatus
	Offset int
	Limit  int
}

// JobRepository owns persistence of jobs and their files. Counter
// arithmetic is atomic at the store level; serialization of the
// increment-then-evaluate sequence is the JobManager's per-job lock.
type JobRepository interface {
	CreateJob(ctx context.Context, job *entity.BatchJob, files []*entity.BatchFile) error
	GetJob(ctx context.Context, id uuid.UUID) (*entity.BatchJob, error)
	GetFile(ctx context.Context, id uuid.UUID) (*entity.BatchFile, error)
	ListFilesByJob(ctx context.Context, jobID uuid.UUID) ([]*entity.BatchFile, error)
	ListJobs(ctx context.Context, ownerID uuid.UUID, filter JobFilter) ([]*entity.BatchJob, error)

	// UpdateJobStatus records a status transition. Timestamps are
	// maintained by the store; terminal statuses set completed_at.
	UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status constants.JobStatus) error

	// MarkFileProcessing flips a queued file to processing and bumps its
	// attempt count. Terminal files are rejected.
	MarkFileProcessing(ctx context.Context, fileID uuid.UUID, attempt int) error

	// FinishFile applies a terminal file update (completed or failed).
	// A file already terminal is left untouched and reported via error.
	FinishFile(ctx context.Context, upd FileTerminalUpdate) error

	// IncrementJobCounters atomically adds the deltas and returns the
	// updated job row.
	IncrementJobCounters(ctx context.Context, jobID uuid.UUID, completed, failed, pages int) (*entity.BatchJob, error)
}

// FileTerminalUpdate carries a file's terminal outcome to the store.
type FileTerminalUpdate struct {
	FileID      uuid.UUID
	Status      constants.FileStatus // completed or failed
	Attempts    int
	ActualPages int
	Confidence  float32
	ResultRef   *string
	ErrorMsg    *string
	ErrorCode   *string
}

// UsageTx is the per-user critical section handed to ledger mutations.
// Changes to the ledger are persisted only when the mutation callback
// returns nil.
type UsageTx interface {
	// Ledger returns the current row for the user, created on first use.
	Ledger() *entity.UsageLedger
	// MarkRelease records a compensation for (jobID, fileID) and reports
	// whether this call was the first; duplicates must be no-ops.
	MarkRelease(jobID, fileID uuid.UUID) (bool, error)
}

// UsageRepository serializes all ledger access per user. Mutate runs fn
// inside an exclusive critical section scoped to userID (an in-process
// keyed lock or a row-level database lock); concurrent callers for the
// same user never interleave.
type UsageRepository interface {
	Mutate(ctx context.Context, userID uuid.UUID, fn func(tx UsageTx) error) error
}

// ArtifactRepository owns persistence of generated output artifacts.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, a *entity.OutputArtifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*entity.OutputArtifact, error)
	ListArtifactsByJob(ctx context.Context, jobID uuid.UUID) ([]*entity.OutputArtifact, error)
}
