package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/entity"
)

// PostgresStore implements JobRepository, UsageRepository and
// ArtifactRepository over a pgx pool. The usage ledger relies on row-level
// locks (SELECT ... FOR UPDATE) for its per-user critical section.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

var (
	_ JobRepository      = (*PostgresStore)(nil)
	_ UsageRepository    = (*PostgresStore)(nil)
	_ ArtifactRepository = (*PostgresStore)(nil)
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS batch_jobs (
    id              UUID PRIMARY KEY,
    owner_id        UUID NOT NULL,
    status          TEXT NOT NULL,
    priority        INT  NOT NULL,
    total_files     INT  NOT NULL,
    completed_files INT  NOT NULL DEFAULT 0,
    failed_files    INT  NOT NULL DEFAULT 0,
    total_pages     INT  NOT NULL DEFAULT 0,
    processed_pages INT  NOT NULL DEFAULT 0,
    output_formats  TEXT[] NOT NULL,
    options         BYTEA,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at    TIMESTAMPTZ,
    CONSTRAINT counters_within_total CHECK (completed_files + failed_files <= total_files)
);
CREATE INDEX IF NOT EXISTS batch_jobs_owner_idx ON batch_jobs (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS batch_files (
    id              UUID PRIMARY KEY,
    job_id          UUID NOT NULL REFERENCES batch_jobs (id) ON DELETE CASCADE,
    original_index  INT  NOT NULL,
    filename        TEXT NOT NULL,
    source_ref      TEXT NOT NULL,
    size_bytes      BIGINT NOT NULL,
    estimated_pages INT  NOT NULL,
    actual_pages    INT  NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    attempt_count   INT  NOT NULL DEFAULT 0,
    last_error      TEXT,
    error_code      TEXT,
    result_ref      TEXT,
    confidence      REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS batch_files_job_idx ON batch_files (job_id, original_index);

CREATE TABLE IF NOT EXISTS usage_ledgers (
    user_id                UUID PRIMARY KEY,
    plan                   TEXT NOT NULL,
    pages_used_lifetime    INT  NOT NULL DEFAULT 0,
    pages_used_this_period INT  NOT NULL DEFAULT 0,
    period_start           TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_releases (
    job_id  UUID NOT NULL,
    file_id UUID NOT NULL,
    PRIMARY KEY (job_id, file_id)
);

CREATE TABLE IF NOT EXISTS output_artifacts (
    id           UUID PRIMARY KEY,
    job_id       UUID NOT NULL REFERENCES batch_jobs (id) ON DELETE CASCADE,
    format       TEXT NOT NULL,
    storage_ref  TEXT NOT NULL,
    size_bytes   BIGINT NOT NULL,
    access_token TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS output_artifacts_job_idx ON output_artifacts (job_id);
`

// EnsureSchema creates the tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `id::text, owner_id::text, status, priority, total_files,
 completed_files, failed_files, total_pages, processed_pages, output_formats,
 options, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*entity.BatchJob, error) {
	var (
		j       entity.BatchJob
		id      string
		owner   string
		status  string
		formats []string
		doneAt  *time.Time
	)
	err := row.Scan(&id, &owner, &status, &j.Priority, &j.TotalFiles,
		&j.CompletedFiles, &j.FailedFiles, &j.TotalPages, &j.ProcessedPages,
		&formats, &j.Options, &j.CreatedAt, &j.UpdatedAt, &doneAt)
	if err != nil {
		return nil, err
	}
	j.ID = uuid.MustParse(id)
	j.OwnerID = uuid.MustParse(owner)
	j.Status = constants.JobStatus(status)
	j.CompletedAt = doneAt
	j.OutputFormats = make([]constants.ArtifactFormat, 0, len(formats))
	for _, f := range formats {
		j.OutputFormats = append(j.OutputFormats, constants.ArtifactFormat(f))
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *entity.BatchJob, files []*entity.BatchFile) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	formats := make([]string, 0, len(job.OutputFormats))
	for _, f := range job.OutputFormats {
		formats = append(formats, string(f))
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO batch_jobs (id, owner_id, status, priority, total_files,
			total_pages, output_formats, options, created_at, updated_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $9)`,
		job.ID.String(), job.OwnerID.String(), string(job.Status), job.Priority,
		job.TotalFiles, job.TotalPages, formats, job.Options, job.CreatedAt)
	if err != nil {
		s.logger.Error("create job failed", "job_id", job.ID, "error", err)
		return err
	}

	for _, f := range files {
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_files (id, job_id, original_index, filename,
				source_ref, size_bytes, estimated_pages, status)
			VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8)`,
			f.ID.String(), f.JobID.String(), f.OriginalIndex, f.Filename,
			f.SourceRef, f.SizeBytes, f.EstimatedPages, string(f.Status))
		if err != nil {
			s.logger.Error("create file failed", "job_id", job.ID, "filename", f.Filename, "error", err)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*entity.BatchJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1::uuid`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return job, err
}

const fileColumns = `id::text, job_id::text, original_index, filename, source_ref,
 size_bytes, estimated_pages, actual_pages, status, attempt_count, last_error,
 error_code, result_ref, confidence`

func scanFile(row pgx.Row) (*entity.BatchFile, error) {
	var (
		f      entity.BatchFile
		id     string
		jobID  string
		status string
	)
	err := row.Scan(&id, &jobID, &f.OriginalIndex, &f.Filename, &f.SourceRef,
		&f.SizeBytes, &f.EstimatedPages, &f.ActualPages, &status,
		&f.AttemptCount, &f.LastError, &f.ErrorCode, &f.ResultRef, &f.Confidence)
	if err != nil {
		return nil, err
	}
	f.ID = uuid.MustParse(id)
	f.JobID = uuid.MustParse(jobID)
	f.Status = constants.FileStatus(status)
	return &f, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id uuid.UUID) (*entity.BatchFile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM batch_files WHERE id = $1::uuid`, id.String())
	f, err := scanFile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return f, err
}

func (s *PostgresStore) ListFilesByJob(ctx context.Context, jobID uuid.UUID) ([]*entity.BatchFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM batch_files WHERE job_id = $1::uuid ORDER BY original_index`,
		jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*entity.BatchFile, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListJobs(ctx context.Context, ownerID uuid.UUID, filter JobFilter) ([]*entity.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE owner_id = $1::uuid`
	args := []any{ownerID.String()}
	if filter.Status != nil {
		q += ` AND status = $2`
		args = append(args, string(*filter.Status))
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id OFFSET %d`, filter.Offset)
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*entity.BatchJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status constants.JobStatus) error {
	completes := status.Terminal()
	ct, err := s.pool.Exec(ctx, `
		UPDATE batch_jobs SET status = $2, updated_at = now(),
			completed_at = CASE WHEN $3 AND completed_at IS NULL THEN now() ELSE completed_at END
		WHERE id = $1::uuid`,
		jobID.String(), string(status), completes)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFileProcessing(ctx context.Context, fileID uuid.UUID, attempt int) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE batch_files SET status = $2, attempt_count = $3
		WHERE id = $1::uuid AND status NOT IN ('completed', 'failed')`,
		fileID.String(), string(constants.FileStatusProcessing), attempt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.fileWriteConflict(ctx, fileID)
	}
	return nil
}

func (s *PostgresStore) FinishFile(ctx context.Context, upd FileTerminalUpdate) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE batch_files SET status = $2, attempt_count = $3, actual_pages = $4,
			confidence = $5, result_ref = $6, last_error = $7, error_code = $8
		WHERE id = $1::uuid AND status NOT IN ('completed', 'failed')`,
		upd.FileID.String(), string(upd.Status), upd.Attempts, upd.ActualPages,
		upd.Confidence, upd.ResultRef, upd.ErrorMsg, upd.ErrorCode)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.fileWriteConflict(ctx, upd.FileID)
	}
	return nil
}

func (s *PostgresStore) fileWriteConflict(ctx context.Context, fileID uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM batch_files WHERE id = $1::uuid)`,
		fileID.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return common.ErrNotFound
	}
	return fmt.Errorf("file %s: %w", fileID, ErrFileTerminal)
}

func (s *PostgresStore) IncrementJobCounters(ctx context.Context, jobID uuid.UUID, completed, failed, pages int) (*entity.BatchJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE batch_jobs SET completed_files = completed_files + $2,
			failed_files = failed_files + $3,
			processed_pages = processed_pages + $4,
			updated_at = now()
		WHERE id = $1::uuid
			AND completed_files + failed_files + $2 + $3 <= total_files
		RETURNING `+jobColumns,
		jobID.String(), completed, failed, pages)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetJob(ctx, jobID); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("job %s counters exceed total_files", jobID)
	}
	return job, err
}

// Mutate runs fn inside a transaction holding the user's ledger row lock.
func (s *PostgresStore) Mutate(ctx context.Context, userID uuid.UUID, fn func(tx UsageTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_ledgers (user_id, plan) VALUES ($1::uuid, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		userID.String(), string(constants.PlanFree))
	if err != nil {
		return err
	}

	led := entity.UsageLedger{UserID: userID}
	var plan string
	err = tx.QueryRow(ctx, `
		SELECT plan, pages_used_lifetime, pages_used_this_period, period_start, updated_at
		FROM usage_ledgers WHERE user_id = $1::uuid FOR UPDATE`,
		userID.String()).Scan(&plan, &led.PagesUsedLifetime,
		&led.PagesUsedThisPeriod, &led.PeriodStart, &led.UpdatedAt)
	if err != nil {
		return err
	}
	led.Plan = constants.PlanType(plan)

	utx := &pgUsageTx{ctx: ctx, tx: tx, ledger: &led}
	if err := fn(utx); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE usage_ledgers SET plan = $2, pages_used_lifetime = $3,
			pages_used_this_period = $4, period_start = $5, updated_at = now()
		WHERE user_id = $1::uuid`,
		userID.String(), string(led.Plan), led.PagesUsedLifetime,
		led.PagesUsedThisPeriod, led.PeriodStart)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgUsageTx struct {
	ctx    context.Context
	tx     pgx.Tx
	ledger *entity.UsageLedger
}

func (t *pgUsageTx) Ledger() *entity.UsageLedger { return t.ledger }

func (t *pgUsageTx) MarkRelease(jobID, fileID uuid.UUID) (bool, error) {
	ct, err := t.tx.Exec(t.ctx, `
		INSERT INTO usage_releases (job_id, file_id) VALUES ($1::uuid, $2::uuid)
		ON CONFLICT DO NOTHING`,
		jobID.String(), fileID.String())
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *entity.OutputArtifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO output_artifacts (id, job_id, format, storage_ref,
			size_bytes, access_token, created_at, expires_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8)`,
		a.ID.String(), a.JobID.String(), string(a.Format), a.StorageRef,
		a.SizeBytes, a.AccessToken, a.CreatedAt, a.ExpiresAt)
	return err
}

const artifactColumns = `id::text, job_id::text, format, storage_ref, size_bytes,
 access_token, created_at, expires_at`

func scanArtifact(row pgx.Row) (*entity.OutputArtifact, error) {
	var (
		a      entity.OutputArtifact
		id     string
		jobID  string
		format string
	)
	err := row.Scan(&id, &jobID, &format, &a.StorageRef, &a.SizeBytes,
		&a.AccessToken, &a.CreatedAt, &a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	a.ID = uuid.MustParse(id)
	a.JobID = uuid.MustParse(jobID)
	a.Format = constants.ArtifactFormat(format)
	return &a, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id uuid.UUID) (*entity.OutputArtifact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM output_artifacts WHERE id = $1::uuid`, id.String())
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) ListArtifactsByJob(ctx context.Context, jobID uuid.UUID) ([]*entity.OutputArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM output_artifacts WHERE job_id = $1::uuid ORDER BY format`,
		jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*entity.OutputArtifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
