package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/entity"
	"github.com/joseph-ayodele/docbatch/internal/events"
	"github.com/joseph-ayodele/docbatch/internal/repository"
	"github.com/joseph-ayodele/docbatch/internal/scheduler"
	"github.com/joseph-ayodele/docbatch/internal/storage"
)

// PDFs up to this size are fetched at submission so the estimate uses the
// real page count instead of the size heuristic.
const maxInlineEstimateBytes = 8 << 20

// TaskScheduler is the scheduling surface the manager submits work to.
// Satisfied by *scheduler.Scheduler.
type TaskScheduler interface {
	Schedule(t *scheduler.Task) error
}

// ArtifactBuilder is notified when a job finishes with at least one
// successful file. Satisfied by *merge.Merger.
type ArtifactBuilder interface {
	JobFinished(ctx context.Context, job *entity.BatchJob)
}

// CreateJobRequest is one batch submission.
type CreateJobRequest struct {
	OwnerID       uuid.UUID
	Priority      int
	Files         []entity.FileDescriptor
	OutputFormats []constants.ArtifactFormat
	Options       []byte
}

// JobDetail is a job with its per-file breakdown.
type JobDetail struct {
	Job   *entity.BatchJob
	Files []*entity.BatchFile
}

// Manager owns the job lifecycle: submission, cancellation, status reads,
// and the completion loop that folds terminal file results into job
// counters and decides the job's terminal status.
type Manager struct {
	jobs      repository.JobRepository
	sched     TaskScheduler
	merger    ArtifactBuilder
	store     storage.ObjectStore
	extract   func(filename string, sizeBytes int64, raw []byte) int
	publisher events.Publisher
	logger    *slog.Logger

	// per-job locks serialize the increment-then-evaluate sequence of the
	// completion loop against FileStarted and CancelJob.
	lockMu   sync.Mutex
	jobLocks map[uuid.UUID]*sync.Mutex

	wg sync.WaitGroup
}

func NewManager(jobs repository.JobRepository, sched TaskScheduler, merger ArtifactBuilder, store storage.ObjectStore, estimate func(string, int64, []byte) int, publisher events.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Manager{
		jobs:      jobs,
		sched:     sched,
		merger:    merger,
		store:     store,
		extract:   estimate,
		publisher: publisher,
		logger:    logger,
		jobLocks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// CreateJob validates a submission, persists the job with its files,
// estimates pages and enqueues one task per file. Validation collects
// every violation before rejecting.
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (*entity.BatchJob, error) {
	if err := m.validateCreate(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &entity.BatchJob{
		ID:            uuid.New(),
		OwnerID:       req.OwnerID,
		Status:        constants.JobStatusPending,
		Priority:      req.Priority,
		TotalFiles:    len(req.Files),
		OutputFormats: append([]constants.ArtifactFormat(nil), req.OutputFormats...),
		Options:       req.Options,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	files := make([]*entity.BatchFile, 0, len(req.Files))
	tasks := make([]*scheduler.Task, 0, len(req.Files))
	for i, fd := range req.Files {
		pages := m.estimatePages(ctx, fd)
		f := &entity.BatchFile{
			ID:             uuid.New(),
			JobID:          job.ID,
			OriginalIndex:  i,
			Filename:       fd.Filename,
			SourceRef:      fd.SourceRef,
			SizeBytes:      fd.SizeBytes,
			EstimatedPages: pages,
			Status:         constants.FileStatusQueued,
		}
		job.TotalPages += pages
		files = append(files, f)
		tasks = append(tasks, &scheduler.Task{
			JobID:          job.ID,
			FileID:         f.ID,
			OwnerID:        job.OwnerID,
			Priority:       job.Priority,
			Filename:       fd.Filename,
			FileRef:        fd.SourceRef,
			PageRange:      fd.PageRange,
			EstimatedPages: pages,
		})
	}

	if err := m.jobs.CreateJob(ctx, job, files); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	for _, t := range tasks {
		if err := m.sched.Schedule(t); err != nil {
			// Persisted but unscheduled files stay queued; the operator
			// resubmits after the scheduler is back.
			m.logger.Error("task scheduling failed",
				"job_id", t.JobID, "file_id", t.FileID, "error", err)
			return nil, fmt.Errorf("scheduling job %s: %w", job.ID, err)
		}
	}

	m.logger.Info("job created",
		"job_id", job.ID, "owner_id", job.OwnerID, "files", job.TotalFiles,
		"estimated_pages", job.TotalPages, "priority", job.Priority)
	m.publish(ctx, events.JobCreated, map[string]interface{}{
		"job_id": job.ID.String(), "owner_id": job.OwnerID.String(),
		"files": job.TotalFiles, "estimated_pages": job.TotalPages,
	})
	return job, nil
}

func (m *Manager) validateCreate(req CreateJobRequest) error {
	v := common.NewValidator()
	v.Field("owner_id", req.OwnerID.String(), common.Required, common.UUID)
	if req.OwnerID == uuid.Nil {
		v.Addf("owner_id", "is required")
	}
	v.Field("priority", req.Priority, common.IntRange(constants.MinPriority, constants.MaxPriority))

	if len(req.Files) == 0 {
		v.Addf("files", "at least one file is required")
	}
	if len(req.Files) > constants.MaxFilesPerJob {
		v.Addf("files", "exceeds the %d files per job limit", constants.MaxFilesPerJob)
	}

	if len(req.OutputFormats) == 0 {
		v.Addf("output_formats", "at least one output format is required")
	}
	seenFmt := make(map[constants.ArtifactFormat]bool, len(req.OutputFormats))
	for _, f := range req.OutputFormats {
		if !constants.KnownFormat(f) {
			v.Addf("output_formats", "unknown format %q", f)
		}
		if seenFmt[f] {
			v.Addf("output_formats", "duplicate format %q", f)
		}
		seenFmt[f] = true
	}

	seenName := make(map[string]bool, len(req.Files))
	for i, fd := range req.Files {
		field := fmt.Sprintf("files[%d]", i)
		v.Field(field+".filename", fd.Filename, common.Required, common.MaxLengthRule(255))
		v.Field(field+".source_ref", fd.SourceRef, common.Required)
		if fd.SizeBytes <= 0 {
			v.Addf(field+".size_bytes", "must be positive")
		}
		if fd.SizeBytes > constants.MaxFileSizeBytes {
			v.Addf(field+".size_bytes", "exceeds the %d byte limit", constants.MaxFileSizeBytes)
		}
		name := strings.ToLower(strings.TrimSpace(fd.Filename))
		if name != "" && seenName[name] {
			v.Addf(field+".filename", "duplicate filename %q", fd.Filename)
		}
		seenName[name] = true
		if fd.PageRange != nil && !fd.PageRange.Valid() {
			v.Addf(field+".page_range", "first must be >= 1 and last >= first")
		}
	}

	if err := validateOptions(req.Options); err != nil {
		v.Addf("options", "%v", err)
	}
	return v.Error()
}

// estimatePages reads small PDFs back from object storage so the estimate
// uses the document's actual page count; everything else is sized.
func (m *Manager) estimatePages(ctx context.Context, fd entity.FileDescriptor) int {
	var raw []byte
	if m.store != nil &&
		strings.ToLower(filepath.Ext(fd.Filename)) == ".pdf" &&
		fd.SizeBytes <= maxInlineEstimateBytes {
		b, err := m.store.Get(ctx, fd.SourceRef)
		if err != nil {
			m.logger.Debug("estimate fetch failed, falling back to size heuristic",
				"source_ref", fd.SourceRef, "error", err)
		} else {
			raw = b
		}
	}
	return m.extract(fd.Filename, fd.SizeBytes, raw)
}

// CancelJob marks a job cancelled. Files already terminal keep their
// outcome, in-flight files run to completion, queued files are dropped at
// dispatch and stay queued.
func (m *Manager) CancelJob(ctx context.Context, jobID, requesterID uuid.UUID) error {
	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != requesterID {
		return fmt.Errorf("job %s: %w", jobID, common.ErrForbidden)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, common.ErrAlreadyTerminal)
	}
	if err := m.jobs.UpdateJobStatus(ctx, jobID, constants.JobStatusCancelled); err != nil {
		return err
	}
	m.logger.Info("job cancelled", "job_id", jobID, "owner_id", requesterID)
	m.publish(ctx, events.JobCancelled, map[string]interface{}{
		"job_id": jobID.String(), "owner_id": requesterID.String(),
	})
	return nil
}

// GetJob returns a job with its file breakdown. Only the owner may read it.
func (m *Manager) GetJob(ctx context.Context, jobID, requesterID uuid.UUID) (*JobDetail, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requesterID {
		return nil, fmt.Errorf("job %s: %w", jobID, common.ErrForbidden)
	}
	files, err := m.jobs.ListFilesByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Files: files}, nil
}

// ListJobs pages through the requester's jobs, newest first.
func (m *Manager) ListJobs(ctx context.Context, requesterID uuid.UUID, filter repository.JobFilter) ([]*entity.BatchJob, error) {
	return m.jobs.ListJobs(ctx, requesterID, filter)
}

// JobStatus reports the current status; the scheduler calls this at
// dispatch time to drop tasks of cancelled jobs.
func (m *Manager) JobStatus(ctx context.Context, jobID uuid.UUID) (constants.JobStatus, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// FileStarted flips the file to processing and, on the job's first
// dispatched file, the job from pending to processing.
func (m *Manager) FileStarted(ctx context.Context, jobID, fileID uuid.UUID, attempt int) error {
	if err := m.jobs.MarkFileProcessing(ctx, fileID, attempt); err != nil {
		return err
	}
	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == constants.JobStatusPending {
		if err := m.jobs.UpdateJobStatus(ctx, jobID, constants.JobStatusProcessing); err != nil {
			return err
		}
		m.logger.Info("job processing started", "job_id", jobID)
	}
	return nil
}

// Start launches the completion loop. The loop ends when the completion
// channel closes; Wait blocks until then.
func (m *Manager) Start(completions <-chan scheduler.Completion) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for c := range completions {
			m.applyCompletion(context.Background(), c)
		}
		m.logger.Info("completion loop stopped")
	}()
}

// Wait blocks until the completion loop and any in-flight merge
// notifications finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// applyCompletion folds one terminal file result into the job: terminal
// file update, counter increments, and the job-level terminal decision.
func (m *Manager) applyCompletion(ctx context.Context, c scheduler.Completion) {
	lock := m.jobLock(c.JobID)
	lock.Lock()
	defer lock.Unlock()

	upd := repository.FileTerminalUpdate{
		FileID:      c.FileID,
		Status:      c.Status,
		Attempts:    c.Attempts,
		ActualPages: c.ActualPages,
		Confidence:  c.Confidence,
	}
	if c.ResultRef != "" {
		ref := c.ResultRef
		upd.ResultRef = &ref
	}
	if c.Err != nil {
		msg := c.Err.Error()
		code := common.ErrorCode(c.Err)
		upd.ErrorMsg = &msg
		upd.ErrorCode = &code
	}
	if err := m.jobs.FinishFile(ctx, upd); err != nil {
		if errors.Is(err, repository.ErrFileTerminal) {
			m.logger.Warn("duplicate completion ignored",
				"job_id", c.JobID, "file_id", c.FileID)
			return
		}
		m.logger.Error("file terminal update failed",
			"job_id", c.JobID, "file_id", c.FileID, "error", err)
		return
	}

	var completed, failed, pages int
	if c.Status == constants.FileStatusCompleted {
		completed, pages = 1, c.ActualPages
	} else {
		failed = 1
	}
	job, err := m.jobs.IncrementJobCounters(ctx, c.JobID, completed, failed, pages)
	if err != nil {
		m.logger.Error("job counter update failed",
			"job_id", c.JobID, "file_id", c.FileID, "error", err)
		return
	}

	// Cancellation sticks: late completions update counters but never
	// resurrect the job into a different terminal status.
	if job.Status == constants.JobStatusCancelled {
		return
	}
	if job.CompletedFiles+job.FailedFiles < job.TotalFiles {
		return
	}
	m.finishJob(ctx, job)
}

// finishJob decides the terminal status: completed with at least one
// successful file, failed only when every file failed.
func (m *Manager) finishJob(ctx context.Context, job *entity.BatchJob) {
	status := constants.JobStatusCompleted
	eventType := events.JobCompleted
	if job.CompletedFiles == 0 {
		status = constants.JobStatusFailed
		eventType = events.JobFailed
	}
	if err := m.jobs.UpdateJobStatus(ctx, job.ID, status); err != nil {
		m.logger.Error("job terminal update failed",
			"job_id", job.ID, "status", status, "error", err)
		return
	}
	job.Status = status

	m.logger.Info("job finished",
		"job_id", job.ID, "status", status,
		"completed_files", job.CompletedFiles, "failed_files", job.FailedFiles,
		"processed_pages", job.ProcessedPages)
	m.publish(ctx, eventType, map[string]interface{}{
		"job_id": job.ID.String(), "owner_id": job.OwnerID.String(),
		"completed_files": job.CompletedFiles, "failed_files": job.FailedFiles,
		"processed_pages": job.ProcessedPages,
	})

	if status == constants.JobStatusCompleted && m.merger != nil {
		snapshot := *job
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.merger.JobFinished(context.Background(), &snapshot)
		}()
	}
}

func (m *Manager) jobLock(jobID uuid.UUID) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		m.jobLocks[jobID] = l
	}
	return l
}

func (m *Manager) publish(ctx context.Context, t events.EventType, data map[string]interface{}) {
	if err := m.publisher.Publish(ctx, events.NewEvent(t, "jobs", data)); err != nil {
		m.logger.Debug("event publish failed", "type", t, "error", err)
	}
}
