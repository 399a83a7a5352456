package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/events"
)

// Runner executes one attempt for a task. Implemented by the FileWorker.
type Runner interface {
	Run(ctx context.Context, task *Task) Outcome
}

// Outcome reports one attempt. A nil Err means success; otherwise Err
// must be classified so the retry policy can pick a budget.
type Outcome struct {
	Err         error
	ResultRef   string
	ActualPages int
	Confidence  float32
}

// JobControl is the slice of the JobManager the scheduler needs at
// dispatch time.
type JobControl interface {
	JobStatus(ctx context.Context, jobID uuid.UUID) (constants.JobStatus, error)
	FileStarted(ctx context.Context, jobID, fileID uuid.UUID, attempt int) error
}

// Releaser compensates quota reservations on terminal failure.
type Releaser interface {
	ReleasePages(ctx context.Context, userID, jobID, fileID uuid.UUID, pages int) error
}

// Completion is the terminal result of a file task, delivered to the
// JobManager over the completion channel.
type Completion struct {
	JobID       uuid.UUID
	FileID      uuid.UUID
	OwnerID     uuid.UUID
	Status      constants.FileStatus
	Attempts    int
	ActualPages int
	Confidence  float32
	ResultRef   string
	Err         error
}

// Scheduler pulls tasks off the priority queue and runs them on a bounded
// worker pool. The pool size is the global in-flight limit; an independent
// per-job cap keeps one large job from starving the pool. Tasks of a
// saturated job are parked and resume when one of its tasks finishes.
type Scheduler struct {
	queue     *PriorityWorkQueue
	runner    Runner
	control   JobControl
	releaser  Releaser
	publisher events.Publisher
	logger    *slog.Logger

	workers     int
	perJobMax   int
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	runTimeout  time.Duration

	completions chan Completion

	mu       sync.Mutex
	inFlight map[uuid.UUID]int
	parked   map[uuid.UUID][]*Task

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithPerJobMax(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.perJobMax = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithBackoff(base, cap time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.backoffBase = base
		}
		if cap > 0 {
			s.backoffCap = cap
		}
	}
}

func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

func WithCompletionBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.completions = make(chan Completion, n)
		}
	}
}

// NewScheduler wires the scheduler; call Start to begin dispatching.
func NewScheduler(runner Runner, control JobControl, releaser Releaser, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	s := &Scheduler{
		queue:       NewPriorityWorkQueue(),
		runner:      runner,
		control:     control,
		releaser:    releaser,
		publisher:   publisher,
		logger:      logger,
		workers:     8,
		perJobMax:   2,
		maxAttempts: constants.DefaultMaxAttempts,
		backoffBase: 2 * time.Second,
		backoffCap:  2 * time.Minute,
		runTimeout:  3 * time.Minute,
		completions: make(chan Completion, 256),
		inFlight:    make(map[uuid.UUID]int),
		parked:      make(map[uuid.UUID][]*Task),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule enqueues one task for dispatch.
func (s *Scheduler) Schedule(t *Task) error {
	return s.queue.Enqueue(t)
}

// Completions is the channel terminal file results arrive on. It closes
// after Shutdown.
func (s *Scheduler) Completions() <-chan Completion {
	return s.completions
}

// QueueLen reports queued (not yet dispatched) tasks.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// Start launches the dispatcher and the worker pool.
func (s *Scheduler) Start() {
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel

		taskCh := make(chan *Task)
		s.wg.Add(1)
		go s.dispatch(ctx, taskCh)

		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.runWorker(ctx, i+1, taskCh)
		}
		s.logger.Info("scheduler started",
			"workers", s.workers, "per_job_max", s.perJobMax, "max_attempts", s.maxAttempts)
	})
}

// Shutdown stops intake, drains in-flight work and closes the completion
// channel. If ctx expires first, remaining work is cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.queue.Close()

	done := make(chan struct{})
	go func() { defer close(done); s.wg.Wait() }()

	select {
	case <-ctx.Done():
		s.logger.Warn("shutdown interrupted by context")
		s.cancel()
		<-done
	case <-done:
		s.logger.Info("scheduler drained, shutdown complete")
	}
	s.cancel()
	close(s.completions)
}

func (s *Scheduler) dispatch(ctx context.Context, taskCh chan<- *Task) {
	defer s.wg.Done()
	defer close(taskCh)

	for {
		t, err := s.queue.Next(ctx)
		if err != nil {
			return
		}

		status, err := s.control.JobStatus(ctx, t.JobID)
		if err != nil {
			s.logger.Error("job status lookup failed, requeueing task",
				"job_id", t.JobID, "file_id", t.FileID, "error", err)
			_ = s.queue.EnqueueAfter(t, s.backoffBase)
			continue
		}
		if status.Terminal() {
			// Cancelled (or otherwise finished) jobs drop their queued
			// tasks; the file is neither completed nor failed.
			s.mu.Lock()
			delete(s.parked, t.JobID)
			s.mu.Unlock()
			s.logger.Info("task dropped, job terminal",
				"job_id", t.JobID, "file_id", t.FileID, "job_status", status)
			continue
		}

		s.mu.Lock()
		if s.inFlight[t.JobID] >= s.perJobMax {
			s.parked[t.JobID] = append(s.parked[t.JobID], t)
			s.mu.Unlock()
			continue
		}
		s.inFlight[t.JobID]++
		s.mu.Unlock()

		select {
		case taskCh <- t:
		case <-ctx.Done():
			s.mu.Lock()
			s.inFlight[t.JobID]--
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) runWorker(ctx context.Context, workerID int, taskCh <-chan *Task) {
	defer s.wg.Done()
	s.logger.Debug("worker started", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-taskCh:
			if !ok {
				return
			}
			s.execute(ctx, workerID, t)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, workerID int, t *Task) {
	t.Attempt++
	if err := s.control.FileStarted(ctx, t.JobID, t.FileID, t.Attempt); err != nil {
		s.logger.Warn("file start notification failed",
			"job_id", t.JobID, "file_id", t.FileID, "error", err)
	}

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	out := s.runner.Run(runCtx, t)

	s.freeSlot(t.JobID)
	s.settle(ctx, workerID, t, out)
}

// freeSlot releases the per-job slot and revives one parked sibling.
func (s *Scheduler) freeSlot(jobID uuid.UUID) {
	s.mu.Lock()
	if s.inFlight[jobID]--; s.inFlight[jobID] <= 0 {
		delete(s.inFlight, jobID)
	}
	var next *Task
	if list := s.parked[jobID]; len(list) > 0 {
		next = list[0]
		if list = list[1:]; len(list) == 0 {
			delete(s.parked, jobID)
		} else {
			s.parked[jobID] = list
		}
	}
	s.mu.Unlock()

	if next != nil {
		if err := s.queue.Enqueue(next); err != nil {
			s.logger.Warn("parked task lost on closed queue",
				"job_id", next.JobID, "file_id", next.FileID)
		}
	}
}

func (s *Scheduler) settle(ctx context.Context, workerID int, t *Task, out Outcome) {
	if out.Err == nil {
		s.logger.Info("file processed",
			"worker_id", workerID, "job_id", t.JobID, "file_id", t.FileID,
			"attempt", t.Attempt, "pages", out.ActualPages)
		s.deliver(ctx, Completion{
			JobID: t.JobID, FileID: t.FileID, OwnerID: t.OwnerID,
			Status: constants.FileStatusCompleted, Attempts: t.Attempt,
			ActualPages: out.ActualPages, Confidence: out.Confidence,
			ResultRef: out.ResultRef,
		})
		return
	}

	if common.IsQuotaExceeded(out.Err) {
		// Denied reservations fail the file immediately and never
		// consume a retry; nothing was reserved, nothing to release.
		s.logger.Warn("file failed, quota exceeded",
			"job_id", t.JobID, "file_id", t.FileID, "error", out.Err)
		s.publish(ctx, events.QuotaDenied, map[string]interface{}{
			"job_id": t.JobID.String(), "file_id": t.FileID.String(),
			"user_id": t.OwnerID.String(),
		})
		s.fail(ctx, t, out)
		return
	}

	budget := s.attemptBudget(out.Err)
	if t.Attempt < budget {
		delay := s.backoff(t.Attempt)
		s.logger.Warn("file attempt failed, retrying",
			"worker_id", workerID, "job_id", t.JobID, "file_id", t.FileID,
			"attempt", t.Attempt, "delay", delay, "error", out.Err)
		s.publish(ctx, events.FileRetried, map[string]interface{}{
			"job_id": t.JobID.String(), "file_id": t.FileID.String(),
			"attempt": t.Attempt, "delay_ms": delay.Milliseconds(),
		})
		if err := s.queue.EnqueueAfter(t, delay); err != nil {
			s.logger.Warn("retry rejected by closed queue, failing file",
				"job_id", t.JobID, "file_id", t.FileID)
			s.fail(ctx, t, out)
		}
		return
	}

	s.logger.Error("file failed",
		"worker_id", workerID, "job_id", t.JobID, "file_id", t.FileID,
		"attempts", t.Attempt, "error", out.Err)
	s.fail(ctx, t, out)
}

// fail finalizes a terminal failure: the quota reservation (if any) is
// compensated exactly once, then the completion is delivered.
func (s *Scheduler) fail(ctx context.Context, t *Task, out Outcome) {
	if t.ReservedPages > 0 {
		if err := s.releaser.ReleasePages(ctx, t.OwnerID, t.JobID, t.FileID, t.ReservedPages); err != nil {
			s.logger.Error("reservation release failed",
				"job_id", t.JobID, "file_id", t.FileID,
				"pages", t.ReservedPages, "error", err)
		}
	}
	s.publish(ctx, events.FileFailed, map[string]interface{}{
		"job_id": t.JobID.String(), "file_id": t.FileID.String(),
		"attempts": t.Attempt, "code": common.ErrorCode(out.Err),
	})
	s.deliver(ctx, Completion{
		JobID: t.JobID, FileID: t.FileID, OwnerID: t.OwnerID,
		Status: constants.FileStatusFailed, Attempts: t.Attempt, Err: out.Err,
	})
}

// attemptBudget maps an error class to its total attempt allowance.
func (s *Scheduler) attemptBudget(err error) int {
	switch {
	case common.IsTransient(err):
		return s.maxAttempts
	case common.IsPermanent(err):
		return 1
	default:
		// System and unclassified errors get one retry; the cause may
		// be a transient infra blip.
		return constants.SystemMaxAttempts
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.backoffBase << (attempt - 1)
	if d > s.backoffCap || d <= 0 {
		return s.backoffCap
	}
	return d
}

func (s *Scheduler) deliver(ctx context.Context, c Completion) {
	select {
	case s.completions <- c:
	case <-ctx.Done():
		s.logger.Warn("completion dropped on shutdown",
			"job_id", c.JobID, "file_id", c.FileID)
	}
}

func (s *Scheduler) publish(ctx context.Context, t events.EventType, data map[string]interface{}) {
	if err := s.publisher.Publish(ctx, events.NewEvent(t, "scheduler", data)); err != nil {
		s.logger.Debug("event publish failed", "type", t, "error", err)
	}
}
