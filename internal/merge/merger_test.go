package merge

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/entity"
	"github.com/joseph-ayodele/docbatch/internal/repository"
	"github.com/joseph-ayodele/docbatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedJob persists a completed 3-file job whose files were inserted out
// of submission order, with the middle file failed.
func seedJob(t *testing.T, store *repository.MemoryStore, objects *storage.MemoryStore, formats ...constants.ArtifactFormat) *entity.BatchJob {
	t.Helper()
	ctx := context.Background()

	job := &entity.BatchJob{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		Status:         constants.JobStatusCompleted,
		Priority:       5,
		TotalFiles:     3,
		CompletedFiles: 2,
		FailedFiles:    1,
		OutputFormats:  formats,
		CreatedAt:      time.Now().UTC(),
	}

	refA, refC := "results/a.txt", "results/c.txt"
	errMsg, errCode := "permanent failure: corrupt file", "PERMANENT"
	files := []*entity.BatchFile{
		{
			ID: uuid.New(), JobID: job.ID, OriginalIndex: 2, Filename: "charlie.pdf",
			SourceRef: "up/c", SizeBytes: 10, Status: constants.FileStatusCompleted,
			ActualPages: 2, Confidence: 0.7, ResultRef: &refC,
		},
		{
			ID: uuid.New(), JobID: job.ID, OriginalIndex: 0, Filename: "alpha.pdf",
			SourceRef: "up/a", SizeBytes: 10, Status: constants.FileStatusCompleted,
			ActualPages: 3, Confidence: 0.9, ResultRef: &refA,
		},
		{
			ID: uuid.New(), JobID: job.ID, OriginalIndex: 1, Filename: "bravo.pdf",
			SourceRef: "up/b", SizeBytes: 10, Status: constants.FileStatusFailed,
			LastError: &errMsg, ErrorCode: &errCode,
		},
	}
	require.NoError(t, store.CreateJob(ctx, job, files))

	require.NoError(t, objects.Put(ctx, refA, strings.NewReader("text of alpha"), 13, "text/plain"))
	require.NoError(t, objects.Put(ctx, refC, strings.NewReader("text of charlie"), 15, "text/plain"))
	return job
}

// TestMergePreservesSubmissionOrder verifies merged output follows
// OriginalIndex regardless of completion or insertion order, with a
// placeholder for the failed file.
func TestMergePreservesSubmissionOrder(t *testing.T) {
	store := repository.NewMemoryStore(testLogger())
	objects := storage.NewMemoryStore()
	m := NewMerger(store, store, objects, nil, time.Hour, testLogger())
	ctx := context.Background()

	job := seedJob(t, store, objects, constants.FormatTXT)
	m.JobFinished(ctx, job)

	arts, err := store.ListArtifactsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, constants.FormatTXT, arts[0].Format)

	raw, err := objects.Get(ctx, arts[0].StorageRef)
	require.NoError(t, err)
	body := string(raw)

	alpha := strings.Index(body, "text of alpha")
	bravo := strings.Index(body, "bravo.pdf: processing failed (PERMANENT)")
	charlie := strings.Index(body, "text of charlie")
	require.NotEqual(t, -1, alpha)
	require.NotEqual(t, -1, bravo)
	require.NotEqual(t, -1, charlie)
	assert.Less(t, alpha, bravo, "alpha before bravo")
	assert.Less(t, bravo, charlie, "bravo before charlie")
}

// TestMergeProducesEveryRequestedFormat verifies one artifact per format
// and sane sizes.
func TestMergeProducesEveryRequestedFormat(t *testing.T) {
	store := repository.NewMemoryStore(testLogger())
	objects := storage.NewMemoryStore()
	m := NewMerger(store, store, objects, nil, time.Hour, testLogger())
	ctx := context.Background()

	job := seedJob(t, store, objects,
		constants.FormatTXT, constants.FormatMarkdown, constants.FormatXLSX)
	m.JobFinished(ctx, job)

	arts, err := store.ListArtifactsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, arts, 3)

	byFormat := make(map[constants.ArtifactFormat]*entity.OutputArtifact)
	for _, a := range arts {
		byFormat[a.Format] = a
		assert.Positive(t, a.SizeBytes)
		assert.NotEmpty(t, a.AccessToken)
		assert.True(t, a.ExpiresAt.After(a.CreatedAt))
	}
	require.Contains(t, byFormat, constants.FormatTXT)
	require.Contains(t, byFormat, constants.FormatMarkdown)
	require.Contains(t, byFormat, constants.FormatXLSX)

	md, err := objects.Get(ctx, byFormat[constants.FormatMarkdown].StorageRef)
	require.NoError(t, err)
	assert.Contains(t, string(md), "## alpha.pdf")
	assert.Contains(t, string(md), "## bravo.pdf")

	// The workbook must open and carry the summary rows in order.
	raw, err := objects.Get(ctx, byFormat[constants.FormatXLSX].StorageRef)
	require.NoError(t, err)
	wb, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus three files")
	assert.Equal(t, "alpha.pdf", rows[1][0])
	assert.Equal(t, "bravo.pdf", rows[2][0])
	assert.Equal(t, "charlie.pdf", rows[3][0])
	assert.Equal(t, string(constants.FileStatusFailed), rows[2][1])
}

// TestGetDownloadHandle verifies owner gating, expiry, and the presigned
// URL pointing at the stored artifact.
func TestGetDownloadHandle(t *testing.T) {
	store := repository.NewMemoryStore(testLogger())
	objects := storage.NewMemoryStore()
	m := NewMerger(store, store, objects, nil, time.Hour, testLogger())
	ctx := context.Background()

	job := seedJob(t, store, objects, constants.FormatTXT)
	m.JobFinished(ctx, job)

	arts, err := store.ListArtifactsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)

	_, err = m.GetDownloadHandle(ctx, arts[0].ID, uuid.New())
	assert.ErrorIs(t, err, common.ErrForbidden)

	url, err := m.GetDownloadHandle(ctx, arts[0].ID, job.OwnerID)
	require.NoError(t, err)
	assert.Contains(t, url, arts[0].StorageRef)
}

// TestGetDownloadHandleExpired verifies a lapsed artifact is refused.
func TestGetDownloadHandleExpired(t *testing.T) {
	store := repository.NewMemoryStore(testLogger())
	objects := storage.NewMemoryStore()
	m := NewMerger(store, store, objects, nil, time.Hour, testLogger())
	ctx := context.Background()

	job := seedJob(t, store, objects, constants.FormatTXT)
	art := &entity.OutputArtifact{
		ID:          uuid.New(),
		JobID:       job.ID,
		Format:      constants.FormatTXT,
		StorageRef:  "artifacts/old.txt",
		AccessToken: uuid.New().String(),
		CreatedAt:   time.Now().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateArtifact(ctx, art))

	_, err := m.GetDownloadHandle(ctx, art.ID, job.OwnerID)
	assert.ErrorIs(t, err, common.ErrExpired)
}

// TestMergeFetchFailureFallsBackToPlaceholder verifies a missing result
// object degrades to a placeholder instead of aborting the artifact.
func TestMergeFetchFailureFallsBackToPlaceholder(t *testing.T) {
	store := repository.NewMemoryStore(testLogger())
	objects := storage.NewMemoryStore()
	m := NewMerger(store, store, objects, nil, time.Hour, testLogger())
	ctx := context.Background()

	job := seedJob(t, store, objects, constants.FormatTXT)
	// Drop one result object after seeding.
	freshObjects := storage.NewMemoryStore()
	require.NoError(t, freshObjects.Put(ctx, "results/a.txt", strings.NewReader("text of alpha"), 13, "text/plain"))
	m = NewMerger(store, store, freshObjects, nil, time.Hour, testLogger())

	m.JobFinished(ctx, job)

	arts, err := store.ListArtifactsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)

	raw, err := freshObjects.Get(ctx, arts[0].StorageRef)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "charlie.pdf: extracted text unavailable")
	assert.Contains(t, string(raw), "text of alpha")
}
