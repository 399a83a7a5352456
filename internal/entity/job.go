package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/constants"
)

// BatchJob represents one logical unit of work for data transfer between layers.
type BatchJob struct {
	ID             uuid.UUID                  `json:"id"`
	OwnerID        uuid.UUID                  `json:"owner_id"`
	Status         constants.JobStatus        `json:"status"`
	Priority       int                        `json:"priority"`
	TotalFiles     int                        `json:"total_files"`
	CompletedFiles int                        `json:"completed_files"`
	FailedFiles    int                        `json:"failed_files"`
	TotalPages     int                        `json:"total_pages"` // estimate, not authoritative
	ProcessedPages int                        `json:"processed_pages"`
	OutputFormats  []constants.ArtifactFormat `json:"output_formats"`
	Options        []byte                     `json:"options,omitempty"` // raw options document
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	CompletedAt    *time.Time                 `json:"completed_at,omitempty"`
}

// BatchFile represents one input document within a job.
type BatchFile struct {
	ID             uuid.UUID            `json:"id"`
	JobID          uuid.UUID            `json:"job_id"`
	OriginalIndex  int                  `json:"original_index"` // submission order, drives merging
	Filename       string               `json:"filename"`
	SourceRef      string               `json:"source_ref"` // opaque handle into object storage
	SizeBytes      int64                `json:"size_bytes"`
	EstimatedPages int                  `json:"estimated_pages"`
	ActualPages    int                  `json:"actual_pages,omitempty"`
	Status         constants.FileStatus `json:"status"`
	AttemptCount   int                  `json:"attempt_count"`
	LastError      *string              `json:"last_error,omitempty"`
	ErrorCode      *string              `json:"error_code,omitempty"`
	ResultRef      *string              `json:"result_ref,omitempty"` // set on success
	Confidence     float32              `json:"confidence,omitempty"`
}

// FileDescriptor is the per-file input to job submission.
type FileDescriptor struct {
	Filename  string     `json:"filename"`
	SourceRef string     `json:"source_ref"`
	SizeBytes int64      `json:"size_bytes"`
	PageRange *PageRange `json:"page_range,omitempty"`
}

// PageRange limits extraction to a 1-based inclusive page window.
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Valid reports whether the range is well-formed.
func (r PageRange) Valid() bool {
	return r.First >= 1 && r.Last >= r.First
}
