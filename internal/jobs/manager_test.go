package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/entity"
	"github.com/joseph-ayodele/docbatch/internal/repository"
	"github.com/joseph-ayodele/docbatch/internal/scheduler"
)

type fakeSched struct {
	mu    sync.Mutex
	tasks []*scheduler.Task
}

func (f *fakeSched) Schedule(t *scheduler.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return nil
}

type fakeMerger struct {
	mu   sync.Mutex
	jobs []*entity.BatchJob
}

func (f *fakeMerger) JobFinished(_ context.Context, job *entity.BatchJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func (f *fakeMerger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func flatEstimate(string, int64, []byte) int { return 2 }

func newTestManager(t *testing.T) (*Manager, *repository.MemoryStore, *fakeSched, *fakeMerger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewMemoryStore(logger)
	sched := &fakeSched{}
	merger := &fakeMerger{}
	mgr := NewManager(store, sched, merger, nil, flatEstimate, nil, logger)
	return mgr, store, sched, merger
}

func validRequest(files int) CreateJobRequest {
	req := CreateJobRequest{
		OwnerID:       uuid.New(),
		Priority:      5,
		OutputFormats: []constants.ArtifactFormat{constants.FormatTXT},
	}
	for i := 0; i < files; i++ {
		req.Files = append(req.Files, entity.FileDescriptor{
			Filename:  fmt.Sprintf("doc-%d.pdf", i),
			SourceRef: fmt.Sprintf("uploads/doc-%d.pdf", i),
			SizeBytes: 1024,
		})
	}
	return req
}

// TestCreateJobCollectsAllViolations verifies a bad submission reports
// every violation at once instead of failing fast.
func TestCreateJobCollectsAllViolations(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	req := CreateJobRequest{
		OwnerID:       uuid.Nil,
		Priority:      0,
		OutputFormats: []constants.ArtifactFormat{"pdfx"},
		Options:       []byte(`{"density_dpi": 10000}`),
		Files: []entity.FileDescriptor{
			{Filename: "a.pdf", SourceRef: "s1", SizeBytes: constants.MaxFileSizeBytes + 1},
			{Filename: "a.pdf", SourceRef: "s2", SizeBytes: 10,
				PageRange: &entity.PageRange{First: 3, Last: 1}},
			{Filename: "", SourceRef: "", SizeBytes: 0},
		},
	}

	_, err := mgr.CreateJob(context.Background(), req)
	require.Error(t, err)
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)

	joined := fmt.Sprintf("%v", verr.Violations)
	assert.GreaterOrEqual(t, len(verr.Violations), 7)
	assert.Contains(t, joined, "owner_id")
	assert.Contains(t, joined, "priority")
	assert.Contains(t, joined, "unknown format")
	assert.Contains(t, joined, "byte limit")
	assert.Contains(t, joined, "duplicate filename")
	assert.Contains(t, joined, "page_range")
	assert.Contains(t, joined, "options")
}

// TestCreateJobTooManyFiles verifies the per-job file ceiling.
func TestCreateJobTooManyFiles(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	req := validRequest(constants.MaxFilesPerJob + 1)
	_, err := mgr.CreateJob(context.Background(), req)
	require.Error(t, err)
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, fmt.Sprintf("%v", verr.Violations), "files per job limit")
}

// TestCreateJobSchedulesOneTaskPerFile verifies persistence and task
// fan-out for a valid submission.
func TestCreateJobSchedulesOneTaskPerFile(t *testing.T) {
	mgr, store, sched, _ := newTestManager(t)
	ctx := context.Background()

	req := validRequest(3)
	job, err := mgr.CreateJob(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, constants.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.TotalFiles)
	assert.Equal(t, 6, job.TotalPages, "flat estimate of 2 per file")

	files, err := store.ListFilesByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	for i, f := range files {
		assert.Equal(t, constants.FileStatusQueued, f.Status)
		assert.Equal(t, i, f.OriginalIndex)
	}

	require.Len(t, sched.tasks, 3)
	for _, task := range sched.tasks {
		assert.Equal(t, job.ID, task.JobID)
		assert.Equal(t, req.OwnerID, task.OwnerID)
		assert.Equal(t, 5, task.Priority)
		assert.Equal(t, 2, task.EstimatedPages)
	}
}

func runCompletions(mgr *Manager, cs ...scheduler.Completion) {
	ch := make(chan scheduler.Completion, len(cs))
	for _, c := range cs {
		ch <- c
	}
	close(ch)
	mgr.Start(ch)
	mgr.Wait()
}

// TestPartialSuccessCompletesJob verifies a job with at least one
// successful file finishes as completed, with accurate counters.
func TestPartialSuccessCompletesJob(t *testing.T) {
	mgr, store, sched, merger := newTestManager(t)
	ctx := context.Background()

	job, err := mgr.CreateJob(ctx, validRequest(3))
	require.NoError(t, err)

	failMsg := "permanent failure: corrupt file"
	runCompletions(mgr,
		scheduler.Completion{
			JobID: job.ID, FileID: sched.tasks[0].FileID, OwnerID: job.OwnerID,
			Status: constants.FileStatusCompleted, Attempts: 1, ActualPages: 4,
			Confidence: 0.8, ResultRef: "results/a.txt",
		},
		scheduler.Completion{
			JobID: job.ID, FileID: sched.tasks[1].FileID, OwnerID: job.OwnerID,
			Status: constants.FileStatusFailed, Attempts: 3,
			Err: &common.PermanentProcessingError{Reason: "corrupt file"},
		},
		scheduler.Completion{
			JobID: job.ID, FileID: sched.tasks[2].FileID, OwnerID: job.OwnerID,
			Status: constants.FileStatusCompleted, Attempts: 2, ActualPages: 5,
		},
	)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.Equal(t, 9, got.ProcessedPages)
	assert.NotNil(t, got.CompletedAt)

	failed, err := store.GetFile(ctx, sched.tasks[1].FileID)
	require.NoError(t, err)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, failMsg, *failed.LastError)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, "PERMANENT", *failed.ErrorCode)

	assert.Equal(t, 1, merger.count(), "merger notified exactly once")
}

// TestAllFilesFailedJobFails verifies failed is reserved for jobs where
// every file failed, and no artifacts are attempted.
func TestAllFilesFailedJobFails(t *testing.T) {
	mgr, store, sched, merger := newTestManager(t)
	ctx := context.Background()

	job, err := mgr.CreateJob(ctx, validRequest(2))
	require.NoError(t, err)

	runCompletions(mgr,
		scheduler.Completion{
			JobID: job.ID, FileID: sched.tasks[0].FileID, OwnerID: job.OwnerID,
			Status: constants.FileStatusFailed, Attempts: 3,
			Err: &common.TransientProcessingError{Op: "extract", Cause: context.DeadlineExceeded},
		},
		scheduler.Completion{
			JobID: job.ID, FileID: sched.tasks[1].FileID, OwnerID: job.OwnerID,
			Status: constants.FileStatusFailed, Attempts: 1,
			Err: &common.PermanentProcessingError{Reason: "unsupported format"},
		},
	)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, 0, got.CompletedFiles)
	assert.Equal(t, 2, got.FailedFiles)
	assert.Equal(t, 0, merger.count())
}

// TestCancelJobSemantics verifies owner gating, the terminal guard, and
// that counters of already-finished files survive cancellation.
func TestCancelJobSemantics(t *testing.T) {
	mgr, store, sched, merger := newTestManager(t)
	ctx := context.Background()

	job, err := mgr.CreateJob(ctx, validRequest(2))
	require.NoError(t, err)

	err = mgr.CancelJob(ctx, job.ID, uuid.New())
	assert.ErrorIs(t, err, common.ErrForbidden)

	require.NoError(t, mgr.CancelJob(ctx, job.ID, job.OwnerID))
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCancelled, got.Status)

	err = mgr.CancelJob(ctx, job.ID, job.OwnerID)
	assert.ErrorIs(t, err, common.ErrAlreadyTerminal)

	// An in-flight file finishing after cancellation updates counters but
	// never flips the job out of cancelled.
	runCompletions(mgr, scheduler.Completion{
		JobID: job.ID, FileID: sched.tasks[0].FileID, OwnerID: job.OwnerID,
		Status: constants.FileStatusCompleted, Attempts: 1, ActualPages: 2,
	})

	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCancelled, got.Status)
	assert.Equal(t, 1, got.CompletedFiles)
	assert.Equal(t, 0, merger.count())
}

// TestFileStartedTransitions verifies the first dispatch moves the job to
// processing and the file out of queued.
func TestFileStartedTransitions(t *testing.T) {
	mgr, store, sched, _ := newTestManager(t)
	ctx := context.Background()

	job, err := mgr.CreateJob(ctx, validRequest(1))
	require.NoError(t, err)

	fileID := sched.tasks[0].FileID
	require.NoError(t, mgr.FileStarted(ctx, job.ID, fileID, 1))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, got.Status)

	f, err := store.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, constants.FileStatusProcessing, f.Status)
	assert.Equal(t, 1, f.AttemptCount)
}

// TestGetJobOwnerCheck verifies reads are scoped to the owner.
func TestGetJobOwnerCheck(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := mgr.CreateJob(ctx, validRequest(1))
	require.NoError(t, err)

	_, err = mgr.GetJob(ctx, job.ID, uuid.New())
	assert.ErrorIs(t, err, common.ErrForbidden)

	detail, err := mgr.GetJob(ctx, job.ID, job.OwnerID)
	require.NoError(t, err)
	assert.Len(t, detail.Files, 1)
}

// TestListJobsFilterAndPaging verifies status filtering and paging.
func TestListJobsFilterAndPaging(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()
	owner := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		req := validRequest(1)
		req.OwnerID = owner
		job, err := mgr.CreateJob(ctx, req)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	require.NoError(t, mgr.CancelJob(ctx, ids[0], owner))

	pending := constants.JobStatusPending
	jobs, err := mgr.ListJobs(ctx, owner, repository.JobFilter{Status: &pending})
	require.NoError(t, err)
	assert.Len(t, jobs, 4)

	jobs, err = mgr.ListJobs(ctx, owner, repository.JobFilter{Offset: 3, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
