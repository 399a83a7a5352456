package extract

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestExtractSuccess verifies a 200 response maps onto an Extraction and
// the page range reaches the wire payload.
func TestExtractSuccess(t *testing.T) {
	var gotPayload extractPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(extractResponse{Text: "content", Pages: 4, Confidence: 0.85})
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL, time.Second, testLogger())
	out, err := e.Extract(context.Background(), ExtractRequest{
		FileRef:   "up/a.pdf",
		Filename:  "a.pdf",
		PageRange: &entity.PageRange{First: 2, Last: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "content", out.Text)
	assert.Equal(t, 4, out.Pages)
	assert.Equal(t, "up/a.pdf", gotPayload.FileRef)
	assert.Equal(t, 2, gotPayload.FirstPage)
	assert.Equal(t, 5, gotPayload.LastPage)
}

// TestExtractStatusClassification verifies each response class maps to
// the right retry classification.
func TestExtractStatusClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
		permanent bool
		system    bool
	}{
		{"overloaded", http.StatusServiceUnavailable, true, false, false},
		{"rate limited", http.StatusTooManyRequests, true, false, false},
		{"timeout", http.StatusRequestTimeout, true, false, false},
		{"unsupported media", http.StatusUnsupportedMediaType, false, true, false},
		{"unprocessable", http.StatusUnprocessableEntity, false, true, false},
		{"too large", http.StatusRequestEntityTooLarge, false, true, false},
		{"unexpected", http.StatusTeapot, false, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			e := NewHTTPExtractor(srv.URL, time.Second, testLogger())
			_, err := e.Extract(context.Background(), ExtractRequest{FileRef: "x", Filename: "x.pdf"})
			require.Error(t, err)
			assert.Equal(t, tc.transient, common.IsTransient(err))
			assert.Equal(t, tc.permanent, common.IsPermanent(err))
			assert.Equal(t, tc.system, common.IsSystem(err))
		})
	}
}

// TestExtractNetworkErrorIsTransient verifies an unreachable service is
// retried.
func TestExtractNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // reachable address, refused connection

	e := NewHTTPExtractor(srv.URL, time.Second, testLogger())
	_, err := e.Extract(context.Background(), ExtractRequest{FileRef: "x", Filename: "x.pdf"})
	require.Error(t, err)
	assert.True(t, common.IsTransient(err))
}

// TestExtractZeroPagesIsPermanent verifies an engine success without
// pages cannot be billed and is treated as a bad document.
func TestExtractZeroPagesIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(extractResponse{Text: "", Pages: 0})
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL, time.Second, testLogger())
	_, err := e.Extract(context.Background(), ExtractRequest{FileRef: "x", Filename: "x.pdf"})
	require.Error(t, err)
	assert.True(t, common.IsPermanent(err))
}
