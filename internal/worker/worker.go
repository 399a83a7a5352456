package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/extract"
	"github.com/joseph-ayodele/docbatch/internal/quota"
	"github.com/joseph-ayodele/docbatch/internal/scheduler"
	"github.com/joseph-ayodele/docbatch/internal/storage"
)

// Accounting is the quota surface a worker needs: reserve before work,
// reconcile after. Satisfied by *quota.Accountant.
type Accounting interface {
	ReservePages(ctx context.Context, userID uuid.UUID, pageCount int) (quota.Decision, error)
	AdjustPages(ctx context.Context, userID uuid.UUID, delta int) (quota.Decision, error)
}

// FileWorker processes one file per call: reserve quota, extract text,
// persist the result, reconcile the page estimate against the actual
// count. It implements scheduler.Runner.
type FileWorker struct {
	accounting Accounting
	extractor  extract.Extractor
	store      storage.ObjectStore
	logger     *slog.Logger
}

func NewFileWorker(accounting Accounting, extractor extract.Extractor, store storage.ObjectStore, logger *slog.Logger) *FileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWorker{
		accounting: accounting,
		extractor:  extractor,
		store:      store,
		logger:     logger,
	}
}

func (w *FileWorker) Run(ctx context.Context, t *scheduler.Task) scheduler.Outcome {
	// Reserve once per file. A retry of a transiently failed attempt
	// arrives with ReservedPages already set and must not re-charge.
	if t.ReservedPages == 0 {
		dec, err := w.accounting.ReservePages(ctx, t.OwnerID, t.EstimatedPages)
		if err != nil {
			return scheduler.Outcome{Err: &common.SystemError{Op: "reserve pages", Cause: err}}
		}
		if !dec.Granted {
			return scheduler.Outcome{Err: &common.QuotaExceededError{Remaining: dec.Remaining}}
		}
		t.ReservedPages = t.EstimatedPages
	}

	ext, err := w.extractor.Extract(ctx, extract.ExtractRequest{
		JobID:     t.JobID,
		FileID:    t.FileID,
		FileRef:   t.FileRef,
		Filename:  t.Filename,
		PageRange: t.PageRange,
	})
	if err != nil {
		return scheduler.Outcome{Err: err}
	}

	key := resultKey(t.JobID, t.FileID)
	body := strings.NewReader(ext.Text)
	if err := w.store.Put(ctx, key, body, int64(len(ext.Text)), "text/plain; charset=utf-8"); err != nil {
		return scheduler.Outcome{Err: &common.SystemError{Op: "store extraction result", Cause: err}}
	}

	w.reconcile(ctx, t, ext.Pages)

	return scheduler.Outcome{
		ResultRef:   key,
		ActualPages: ext.Pages,
		Confidence:  ext.Confidence,
	}
}

// reconcile settles the difference between the reserved estimate and the
// actual page count. The file already succeeded, so accounting trouble
// here is logged rather than failing the file.
func (w *FileWorker) reconcile(ctx context.Context, t *scheduler.Task, actualPages int) {
	delta := actualPages - t.ReservedPages
	if delta == 0 {
		return
	}
	dec, err := w.accounting.AdjustPages(ctx, t.OwnerID, delta)
	if err != nil {
		w.logger.Error("usage reconciliation failed",
			"job_id", t.JobID, "file_id", t.FileID,
			"user_id", t.OwnerID, "delta", delta, "error", err)
		return
	}
	if !dec.Granted {
		w.logger.Warn("usage reconciliation clamped at quota limit",
			"job_id", t.JobID, "file_id", t.FileID,
			"user_id", t.OwnerID, "delta", delta, "remaining", dec.Remaining)
	}
	t.ReservedPages = actualPages
}

func resultKey(jobID, fileID uuid.UUID) string {
	return fmt.Sprintf("results/%s/%s.txt", jobID, fileID)
}
