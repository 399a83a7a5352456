package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
)

type runFunc func(ctx context.Context, t *Task) Outcome

// fakeRunner scripts outcomes and records concurrency per job.
type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	byFile   map[uuid.UUID]int
	active   map[uuid.UUID]int
	maxJobCc map[uuid.UUID]int
	fn       runFunc
	delay    time.Duration
}

func newFakeRunner(fn runFunc) *fakeRunner {
	return &fakeRunner{
		byFile:   make(map[uuid.UUID]int),
		active:   make(map[uuid.UUID]int),
		maxJobCc: make(map[uuid.UUID]int),
		fn:       fn,
	}
}

func (r *fakeRunner) Run(ctx context.Context, t *Task) Outcome {
	r.mu.Lock()
	r.calls++
	r.byFile[t.FileID]++
	r.active[t.JobID]++
	if r.active[t.JobID] > r.maxJobCc[t.JobID] {
		r.maxJobCc[t.JobID] = r.active[t.JobID]
	}
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	out := r.fn(ctx, t)

	r.mu.Lock()
	r.active[t.JobID]--
	r.mu.Unlock()
	return out
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeControl serves a fixed job status.
type fakeControl struct {
	mu      sync.Mutex
	status  constants.JobStatus
	started int
}

func (c *fakeControl) JobStatus(context.Context, uuid.UUID) (constants.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

func (c *fakeControl) FileStarted(context.Context, uuid.UUID, uuid.UUID, int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return nil
}

// fakeReleaser records quota compensations.
type fakeReleaser struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeReleaser) ReleasePages(_ context.Context, _, _, _ uuid.UUID, pages int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pages)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(runner Runner, control JobControl, releaser Releaser, opts ...Option) *Scheduler {
	base := []Option{
		WithWorkers(4),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithRunTimeout(time.Second),
	}
	return NewScheduler(runner, control, releaser, nil, testLogger(), append(base, opts...)...)
}

func awaitCompletion(t *testing.T, s *Scheduler) Completion {
	t.Helper()
	select {
	case c := <-s.Completions():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

// TestSchedulerSuccess verifies a successful run produces a completed
// result carrying the worker's output.
func TestSchedulerSuccess(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *Task) Outcome {
		return Outcome{ResultRef: "results/a/b.txt", ActualPages: 7, Confidence: 0.93}
	})
	control := &fakeControl{status: constants.JobStatusProcessing}
	releaser := &fakeReleaser{}
	s := newTestScheduler(runner, control, releaser)
	s.Start()
	defer s.Shutdown(context.Background())

	task := newTask(1)
	require.NoError(t, s.Schedule(task))

	c := awaitCompletion(t, s)
	assert.Equal(t, constants.FileStatusCompleted, c.Status)
	assert.Equal(t, task.FileID, c.FileID)
	assert.Equal(t, 7, c.ActualPages)
	assert.Equal(t, "results/a/b.txt", c.ResultRef)
	assert.Equal(t, 1, c.Attempts)
	assert.Empty(t, releaser.calls)
}

// TestSchedulerTransientRetryBudget verifies a persistently transient
// failure is attempted exactly maxAttempts times before failing, and that
// the reservation made on the first attempt is released once.
func TestSchedulerTransientRetryBudget(t *testing.T) {
	runner := newFakeRunner(func(_ context.Context, task *Task) Outcome {
		if task.ReservedPages == 0 {
			task.ReservedPages = 4
		}
		return Outcome{Err: &common.TransientProcessingError{Op: "extract", Cause: errors.New("503")}}
	})
	control := &fakeControl{status: constants.JobStatusProcessing}
	releaser := &fakeReleaser{}
	s := newTestScheduler(runner, control, releaser, WithMaxAttempts(3))
	s.Start()
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Schedule(newTask(1)))

	c := awaitCompletion(t, s)
	assert.Equal(t, constants.FileStatusFailed, c.Status)
	assert.Equal(t, 3, c.Attempts)
	assert.Equal(t, 3, runner.callCount())
	assert.Equal(t, []int{4}, releaser.calls, "reservation released exactly once")
	assert.True(t, common.IsTransient(c.Err))
}

// TestSchedulerPermanentNoRetry verifies a permanent failure is not retried.
func TestSchedulerPermanentNoRetry(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *Task) Outcome {
		return Outcome{Err: &common.PermanentProcessingError{Reason: "corrupt file"}}
	})
	control := &fakeControl{status: constants.JobStatusProcessing}
	s := newTestScheduler(runner, control, &fakeReleaser{})
	s.Start()
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Schedule(newTask(1)))

	c := awaitCompletion(t, s)
	assert.Equal(t, constants.FileStatusFailed, c.Status)
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, 1, runner.callCount())
}

// TestSchedulerSystemErrorBudget verifies system errors get one retry.
func TestSchedulerSystemErrorBudget(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *Task) Outcome {
		return Outcome{Err: &common.SystemError{Op: "store result", Cause: errors.New("io")}}
	})
	control := &fakeControl{status: constants.JobStatusProcessing}
	s := newTestScheduler(runner, control, &fakeReleaser{})
	s.Start()
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Schedule(newTask(1)))

	c := awaitCompletion(t, s)
	assert.Equal(t, constants.FileStatusFailed, c.Status)
	assert.Equal(t, constants.SystemMaxAttempts, c.Attempts)
	assert.Equal(t, constants.SystemMaxAttempts, runner.callCount())
}

// TestSchedulerQuotaDenialImmediate verifies a denied reservation fails
// the file without retries and without a compensating release.
func TestSchedulerQuotaDenialImmediate(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *Task) Outcome {
		return Outcome{Err: &common.QuotaExceededError{Remaining: 2}}
	})
	control := &fakeControl{status: constants.JobStatusProcessing}
	releaser := &fakeReleaser{}
	s := newTestScheduler(runner, control, releaser)
	s.Start()
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Schedule(newTask(1)))

	c := awaitCompletion(t, s)
	assert.Equal(t, constants.FileStatusFailed, c.Status)
	assert.Equal(t, 1, runner.callCount())
	assert.Empty(t, releaser.calls)
	assert.True(t, common.IsQuotaExceeded(c.Err))
}

// TestSchedulerDropsCancelledJobTasks verifies tasks of a cancelled job
// never reach a worker and produce no completion.
func TestSchedulerDropsCancelledJobTasks(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *Task) Outcome {
		return Outcome{}
	})
	control := &fakeControl{status: constants.JobStatusCancelled}
	s := newTestScheduler(runner, control, &fakeReleaser{})
	s.Start()

	jobID := uuid.New()
	for i := 0; i < 3; i++ {
		task := newTask(1)
		task.JobID = jobID
		require.NoError(t, s.Schedule(task))
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, runner.callCount())

	s.Shutdown(context.Background())
	_, open := <-s.Completions()
	assert.False(t, open, "no completions for dropped tasks")
}

// TestSchedulerPerJobCap verifies one job never occupies more than its
// per-job slots even when the pool has idle workers.
func TestSchedulerPerJobCap(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *Task) Outcome {
		return Outcome{ActualPages: 1}
	})
	runner.delay = 30 * time.Millisecond
	control := &fakeControl{status: constants.JobStatusProcessing}
	s := newTestScheduler(runner, control, &fakeReleaser{}, WithWorkers(6), WithPerJobMax(1))
	s.Start()
	defer s.Shutdown(context.Background())

	jobID := uuid.New()
	const n = 5
	for i := 0; i < n; i++ {
		task := newTask(1)
		task.JobID = jobID
		require.NoError(t, s.Schedule(task))
	}

	for i := 0; i < n; i++ {
		c := awaitCompletion(t, s)
		assert.Equal(t, constants.FileStatusCompleted, c.Status)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.maxJobCc[jobID], "per-job concurrency cap")
}

// TestSchedulerIndependentJobsRunConcurrently verifies the per-job cap
// does not serialize distinct jobs.
func TestSchedulerIndependentJobsRunConcurrently(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *Task) Outcome {
		return Outcome{ActualPages: 1}
	})
	runner.delay = 50 * time.Millisecond
	control := &fakeControl{status: constants.JobStatusProcessing}
	s := newTestScheduler(runner, control, &fakeReleaser{}, WithWorkers(4), WithPerJobMax(1))
	s.Start()
	defer s.Shutdown(context.Background())

	const jobsN = 4
	for i := 0; i < jobsN; i++ {
		require.NoError(t, s.Schedule(newTask(1)))
	}

	start := time.Now()
	for i := 0; i < jobsN; i++ {
		awaitCompletion(t, s)
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond,
		"distinct jobs should overlap, not serialize")
}
