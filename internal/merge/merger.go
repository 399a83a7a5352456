package merge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/entity"
	"github.com/joseph-ayodele/docbatch/internal/events"
	"github.com/joseph-ayodele/docbatch/internal/repository"
	"github.com/joseph-ayodele/docbatch/internal/storage"
)

// Excel caps a cell at 32767 characters.
const xlsxCellLimit = 32000

// maxPresignExpiry is the longest presign window object stores accept.
const maxPresignExpiry = 7 * 24 * time.Hour

// section is one file's contribution to the merged output, in submission
// order. Failed files carry a placeholder instead of text.
type section struct {
	file *entity.BatchFile
	text string
	ok   bool
}

// Merger assembles the requested output artifacts once a job completes.
// Merging always follows submission order (OriginalIndex), regardless of
// the order files finished processing in.
type Merger struct {
	jobs      repository.JobRepository
	artifacts repository.ArtifactRepository
	store     storage.ObjectStore
	publisher events.Publisher
	logger    *slog.Logger
	ttl       time.Duration
}

func NewMerger(jobs repository.JobRepository, artifacts repository.ArtifactRepository, store storage.ObjectStore, publisher events.Publisher, ttl time.Duration, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Merger{
		jobs:      jobs,
		artifacts: artifacts,
		store:     store,
		publisher: publisher,
		logger:    logger,
		ttl:       ttl,
	}
}

// JobFinished builds every requested artifact for a completed job. One
// artifact failing is reported and logged but never blocks the others,
// and the job's status is left untouched.
func (m *Merger) JobFinished(ctx context.Context, job *entity.BatchJob) {
	start := time.Now()

	sections, err := m.loadSections(ctx, job)
	if err != nil {
		m.logger.Error("artifact source load failed", "job_id", job.ID, "error", err)
		for _, format := range job.OutputFormats {
			m.reportFailure(ctx, job, format, err)
		}
		return
	}

	for _, format := range job.OutputFormats {
		if err := m.buildArtifact(ctx, job, format, sections); err != nil {
			m.logger.Error("artifact build failed",
				"job_id", job.ID, "format", format, "error", err)
			m.reportFailure(ctx, job, format, err)
		}
	}

	m.logger.Info("merge.ok",
		"job_id", job.ID.String(),
		"formats", len(job.OutputFormats),
		"files", len(sections),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

// loadSections fetches each file's extracted text in submission order.
func (m *Merger) loadSections(ctx context.Context, job *entity.BatchJob) ([]section, error) {
	files, err := m.jobs.ListFilesByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].OriginalIndex < files[j].OriginalIndex
	})

	sections := make([]section, 0, len(files))
	for _, f := range files {
		s := section{file: f}
		if f.Status == constants.FileStatusCompleted && f.ResultRef != nil {
			raw, err := m.store.Get(ctx, *f.ResultRef)
			if err != nil {
				m.logger.Error("extracted text fetch failed",
					"job_id", job.ID, "file_id", f.ID, "result_ref", *f.ResultRef, "error", err)
				s.text = placeholder(f, "extracted text unavailable")
			} else {
				s.text = string(raw)
				s.ok = true
			}
		} else {
			s.text = placeholder(f, "")
		}
		sections = append(sections, s)
	}
	return sections, nil
}

func (m *Merger) buildArtifact(ctx context.Context, job *entity.BatchJob, format constants.ArtifactFormat, sections []section) error {
	var (
		body        []byte
		contentType string
		err         error
	)
	switch format {
	case constants.FormatTXT:
		body, contentType = buildTXT(sections), "text/plain; charset=utf-8"
	case constants.FormatMarkdown:
		body, contentType = buildMarkdown(job, sections), "text/markdown; charset=utf-8"
	case constants.FormatXLSX:
		body, err = buildXLSX(job, sections)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		if err != nil {
			return fmt.Errorf("xlsx build: %w", err)
		}
	default:
		return fmt.Errorf("unknown artifact format %q", format)
	}

	key := fmt.Sprintf("artifacts/%s/merged.%s", job.ID, fileExt(format))
	if err := m.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return fmt.Errorf("artifact upload: %w", err)
	}

	now := time.Now().UTC()
	art := &entity.OutputArtifact{
		ID:          uuid.New(),
		JobID:       job.ID,
		Format:      format,
		StorageRef:  key,
		SizeBytes:   int64(len(body)),
		AccessToken: uuid.New().String(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.artifacts.CreateArtifact(ctx, art); err != nil {
		return fmt.Errorf("artifact registration: %w", err)
	}

	m.logger.Info("artifact created",
		"job_id", job.ID, "artifact_id", art.ID, "format", format, "size_bytes", art.SizeBytes)
	m.publish(ctx, events.ArtifactCreated, map[string]interface{}{
		"job_id": job.ID.String(), "artifact_id": art.ID.String(),
		"format": string(format), "size_bytes": art.SizeBytes,
	})
	return nil
}

func (m *Merger) reportFailure(ctx context.Context, job *entity.BatchJob, format constants.ArtifactFormat, err error) {
	m.publish(ctx, events.ArtifactFailed, map[string]interface{}{
		"job_id": job.ID.String(), "format": string(format), "error": err.Error(),
	})
}

// GetDownloadHandle returns a presigned URL for an artifact. Only the
// job's owner may download, and only inside the artifact's TTL window.
func (m *Merger) GetDownloadHandle(ctx context.Context, artifactID, requesterID uuid.UUID) (string, error) {
	art, err := m.artifacts.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}
	job, err := m.jobs.GetJob(ctx, art.JobID)
	if err != nil {
		return "", err
	}
	if job.OwnerID != requesterID {
		return "", fmt.Errorf("artifact %s: %w", artifactID, common.ErrForbidden)
	}
	if art.Expired(time.Now().UTC()) {
		return "", fmt.Errorf("artifact %s: %w", artifactID, common.ErrExpired)
	}

	expiry := time.Until(art.ExpiresAt)
	if expiry > maxPresignExpiry {
		expiry = maxPresignExpiry
	}
	return m.store.Presign(ctx, art.StorageRef, expiry)
}

// ListArtifacts returns a job's artifacts for its owner.
func (m *Merger) ListArtifacts(ctx context.Context, jobID, requesterID uuid.UUID) ([]*entity.OutputArtifact, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requesterID {
		return nil, fmt.Errorf("job %s: %w", jobID, common.ErrForbidden)
	}
	return m.artifacts.ListArtifactsByJob(ctx, jobID)
}

func (m *Merger) publish(ctx context.Context, t events.EventType, data map[string]interface{}) {
	if err := m.publisher.Publish(ctx, events.NewEvent(t, "merge", data)); err != nil {
		m.logger.Debug("event publish failed", "type", t, "error", err)
	}
}

func placeholder(f *entity.BatchFile, reason string) string {
	if reason == "" {
		reason = "processing failed"
		if f.ErrorCode != nil {
			reason = fmt.Sprintf("processing failed (%s)", *f.ErrorCode)
		}
	}
	return fmt.Sprintf("[%s: %s]", f.Filename, reason)
}

func buildTXT(sections []section) []byte {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "===== %s =====\n\n", s.file.Filename)
		b.WriteString(s.text)
	}
	b.WriteString("\n")
	return []byte(b.String())
}

func buildMarkdown(job *entity.BatchJob, sections []section) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Batch %s\n\n", job.ID)
	fmt.Fprintf(&b, "%d files, %d completed, %d failed.\n", job.TotalFiles, job.CompletedFiles, job.FailedFiles)
	for _, s := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n", s.file.Filename)
		if s.ok {
			b.WriteString(s.text)
			b.WriteString("\n")
		} else {
			fmt.Fprintf(&b, "> %s\n", strings.Trim(s.text, "[]"))
		}
	}
	return []byte(b.String())
}

func buildXLSX(job *entity.BatchJob, sections []section) ([]byte, error) {
	f := excelize.NewFile()
	const summarySheet = "Summary"
	const contentSheet = "Content"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(contentSheet); err != nil {
		return nil, err
	}
	activeIndex, _ := f.GetSheetIndex(summarySheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{"Filename", "Status", "Pages", "Confidence", "Error"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(summarySheet, cell, h)
	}

	for i, s := range sections {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(summarySheet, cell, v)
		}
		write(1, s.file.Filename)
		write(2, string(s.file.Status))
		write(3, s.file.ActualPages)
		write(4, s.file.Confidence)
		if s.file.LastError != nil {
			write(5, truncate(*s.file.LastError, 140))
		}

		cCell, _ := excelize.CoordinatesToCellName(1, i+1)
		_ = f.SetCellValue(contentSheet, cCell, s.file.Filename)
		tCell, _ := excelize.CoordinatesToCellName(2, i+1)
		_ = f.SetCellValue(contentSheet, tCell, truncate(s.text, xlsxCellLimit))
	}

	_ = f.SetColWidth(summarySheet, "A", "A", 40)
	_ = f.SetColWidth(summarySheet, "B", "B", 12)
	_ = f.SetColWidth(summarySheet, "C", "D", 12)
	_ = f.SetColWidth(summarySheet, "E", "E", 60)
	_ = f.SetColWidth(contentSheet, "A", "A", 40)
	_ = f.SetColWidth(contentSheet, "B", "B", 100)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func fileExt(format constants.ArtifactFormat) string {
	switch format {
	case constants.FormatMarkdown:
		return "md"
	default:
		return string(format)
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
