package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/entity"
)

// ErrFileTerminal is returned when a terminal file row is written again.
var ErrFileTerminal = errors.New("file already terminal")

// MemoryStore is a concurrency-safe in-memory implementation of all three
// repositories. It backs tests and DB-less deployments; the scheduler and
// manager only ever see the interfaces.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[uuid.UUID]*entity.BatchJob
	files      map[uuid.UUID]*entity.BatchFile
	filesByJob map[uuid.UUID][]uuid.UUID
	artifacts  map[uuid.UUID]*entity.OutputArtifact

	ledgerMu sync.Mutex
	ledgers  map[uuid.UUID]*entity.UsageLedger
	releases map[string]struct{}
	userMu   map[uuid.UUID]*sync.Mutex

	logger *slog.Logger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		jobs:       make(map[uuid.UUID]*entity.BatchJob),
		files:      make(map[uuid.UUID]*entity.BatchFile),
		filesByJob: make(map[uuid.UUID][]uuid.UUID),
		artifacts:  make(map[uuid.UUID]*entity.OutputArtifact),
		ledgers:    make(map[uuid.UUID]*entity.UsageLedger),
		releases:   make(map[string]struct{}),
		userMu:     make(map[uuid.UUID]*sync.Mutex),
		logger:     logger,
	}
}

var (
	_ JobRepository      = (*MemoryStore)(nil)
	_ UsageRepository    = (*MemoryStore)(nil)
	_ ArtifactRepository = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateJob(ctx context.Context, job *entity.BatchJob, files []*entity.BatchFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	ids := make([]uuid.UUID, 0, len(files))
	for _, f := range files {
		s.files[f.ID] = cloneFile(f)
		ids = append(ids, f.ID)
	}
	s.filesByJob[job.ID] = ids
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*entity.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) GetFile(ctx context.Context, id uuid.UUID) (*entity.BatchFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneFile(f), nil
}

func (s *MemoryStore) ListFilesByJob(ctx context.Context, jobID uuid.UUID) ([]*entity.BatchFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.filesByJob[jobID]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := make([]*entity.BatchFile, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneFile(s.files[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalIndex < out[j].OriginalIndex })
	return out, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, ownerID uuid.UUID, filter JobFilter) ([]*entity.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*entity.BatchJob, 0)
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	// Newest first, id as a stable tie-break.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	if filter.Offset >= len(matched) {
		return []*entity.BatchJob{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status constants.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return common.ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	if status.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkFileProcessing(ctx context.Context, fileID uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return common.ErrNotFound
	}
	if f.Status.Terminal() {
		return fmt.Errorf("file %s: %w", fileID, ErrFileTerminal)
	}
	f.Status = constants.FileStatusProcessing
	f.AttemptCount = attempt
	return nil
}

func (s *MemoryStore) FinishFile(ctx context.Context, upd FileTerminalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[upd.FileID]
	if !ok {
		return common.ErrNotFound
	}
	if f.Status.Terminal() {
		return fmt.Errorf("file %s: %w", upd.FileID, ErrFileTerminal)
	}
	f.Status = upd.Status
	f.AttemptCount = upd.Attempts
	f.ActualPages = upd.ActualPages
	f.Confidence = upd.Confidence
	f.ResultRef = upd.ResultRef
	f.LastError = upd.ErrorMsg
	f.ErrorCode = upd.ErrorCode
	return nil
}

func (s *MemoryStore) IncrementJobCounters(ctx context.Context, jobID uuid.UUID, completed, failed, pages int) (*entity.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, common.ErrNotFound
	}
	job.CompletedFiles += completed
	job.FailedFiles += failed
	job.ProcessedPages += pages
	job.UpdatedAt = time.Now().UTC()
	if job.CompletedFiles+job.FailedFiles > job.TotalFiles {
		// Counter overflow means a double-delivered completion slipped
		// through the manager's per-job lock; refuse to persist it.
		job.CompletedFiles -= completed
		job.FailedFiles -= failed
		job.ProcessedPages -= pages
		return nil, fmt.Errorf("job %s counters exceed total_files", jobID)
	}
	return cloneJob(job), nil
}

// Mutate runs fn under the per-user lock. The callback sees a copy of the
// ledger; it is written back only when fn succeeds.
func (s *MemoryStore) Mutate(ctx context.Context, userID uuid.UUID, fn func(tx UsageTx) error) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.ledgerMu.Lock()
	led, ok := s.ledgers[userID]
	if !ok {
		led = &entity.UsageLedger{UserID: userID, Plan: constants.PlanFree}
		s.ledgers[userID] = led
	}
	s.ledgerMu.Unlock()

	tx := &memUsageTx{store: s, ledger: cloneLedger(led)}
	if err := fn(tx); err != nil {
		return err
	}

	s.ledgerMu.Lock()
	tx.ledger.UpdatedAt = time.Now().UTC()
	s.ledgers[userID] = tx.ledger
	for _, key := range tx.pending {
		s.releases[key] = struct{}{}
	}
	s.ledgerMu.Unlock()
	return nil
}

type memUsageTx struct {
	store   *MemoryStore
	ledger  *entity.UsageLedger
	pending []string
}

func (t *memUsageTx) Ledger() *entity.UsageLedger { return t.ledger }

func (t *memUsageTx) MarkRelease(jobID, fileID uuid.UUID) (bool, error) {
	key := jobID.String() + "/" + fileID.String()
	t.store.ledgerMu.Lock()
	_, seen := t.store.releases[key]
	t.store.ledgerMu.Unlock()
	if seen {
		return false, nil
	}
	for _, p := range t.pending {
		if p == key {
			return false, nil
		}
	}
	t.pending = append(t.pending, key)
	return true, nil
}

func (s *MemoryStore) userLock(userID uuid.UUID) *sync.Mutex {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	mu, ok := s.userMu[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userMu[userID] = mu
	}
	return mu
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, a *entity.OutputArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[a.ID]; exists {
		return fmt.Errorf("artifact %s already exists", a.ID)
	}
	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, id uuid.UUID) (*entity.OutputArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListArtifactsByJob(ctx context.Context, jobID uuid.UUID) ([]*entity.OutputArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.OutputArtifact, 0)
	for _, a := range s.artifacts {
		if a.JobID == jobID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Format < out[j].Format })
	return out, nil
}

func cloneJob(j *entity.BatchJob) *entity.BatchJob {
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.OutputFormats = append([]constants.ArtifactFormat(nil), j.OutputFormats...)
	cp.Options = append([]byte(nil), j.Options...)
	return &cp
}

func cloneFile(f *entity.BatchFile) *entity.BatchFile {
	cp := *f
	cp.LastError = cloneStr(f.LastError)
	cp.ErrorCode = cloneStr(f.ErrorCode)
	cp.ResultRef = cloneStr(f.ResultRef)
	return &cp
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneLedger(l *entity.UsageLedger) *entity.UsageLedger {
	cp := *l
	return &cp
}
