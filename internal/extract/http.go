package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joseph-ayodele/docbatch/internal/common"
)

// HTTPExtractor calls an extraction service over HTTP and classifies the
// outcome for the retry policy.
type HTTPExtractor struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPExtractor builds a client for the given endpoint.
func NewHTTPExtractor(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExtractor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

var _ Extractor = (*HTTPExtractor)(nil)

type extractPayload struct {
	FileRef   string `json:"file_ref"`
	Filename  string `json:"filename"`
	FirstPage int    `json:"first_page,omitempty"`
	LastPage  int    `json:"last_page,omitempty"`
}

type extractResponse struct {
	Text       string  `json:"text"`
	Pages      int     `json:"pages"`
	Confidence float32 `json:"confidence"`
	Message    string  `json:"message,omitempty"`
}

func (e *HTTPExtractor) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	payload := extractPayload{FileRef: req.FileRef, Filename: req.Filename}
	if req.PageRange != nil {
		payload.FirstPage = req.PageRange.First
		payload.LastPage = req.PageRange.Last
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Extraction{}, &common.SystemError{Op: "extract.encode", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Extraction{}, &common.SystemError{Op: "extract.request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are worth retrying.
		return Extraction{}, &common.TransientProcessingError{Op: "extract.call", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Extraction{}, &common.TransientProcessingError{Op: "extract.read", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return Extraction{}, classifyStatus(resp.StatusCode, raw)
	}

	var out extractResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Extraction{}, &common.SystemError{Op: "extract.decode", Cause: err}
	}
	if out.Pages <= 0 {
		return Extraction{}, &common.PermanentProcessingError{Reason: "engine reported no pages"}
	}

	e.logger.Debug("extraction call done",
		"job_id", req.JobID, "file_id", req.FileID,
		"pages", out.Pages, "confidence", out.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds())
	return Extraction{Text: out.Text, Pages: out.Pages, Confidence: out.Confidence}, nil
}

func classifyStatus(code int, raw []byte) error {
	cause := fmt.Errorf("extraction service returned %d: %s", code, firstLine(raw))
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return &common.TransientProcessingError{Op: "extract.call", Cause: cause}
	case code == http.StatusBadRequest,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnsupportedMediaType,
		code == http.StatusUnprocessableEntity:
		return &common.PermanentProcessingError{Reason: "rejected by extraction service", Cause: cause}
	default:
		return &common.SystemError{Op: "extract.call", Cause: cause}
	}
}

func firstLine(raw []byte) string {
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
