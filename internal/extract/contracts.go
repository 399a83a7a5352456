package extract

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/internal/entity"
)

// ExtractRequest identifies one file (or a page window of it) to run
// through the extraction engine.
type ExtractRequest struct {
	JobID     uuid.UUID
	FileID    uuid.UUID
	FileRef   string // opaque handle into object storage
	Filename  string
	PageRange *entity.PageRange
}

// Extraction is the engine's successful output.
type Extraction struct {
	Text       string
	Pages      int // actual page count, authoritative for accounting
	Confidence float32
}

// Extractor is the external text-extraction collaborator. Failures must be
// classified (common.TransientProcessingError, PermanentProcessingError or
// SystemError) so the scheduler can pick a retry policy.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (Extraction, error)
}
