package extract

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Size heuristics for the page pre-check. Actual counts come from the
// extraction engine; these only gate the quota reservation and the UI
// estimate shown before processing starts.
const (
	pdfBytesPerPage  = 64 << 10 // scanned PDFs dominate uploads
	textBytesPerPage = 4 << 10
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true,
	".tiff": true, ".bmp": true, ".heic": true, ".webp": true,
}

// EstimatePages estimates a document's page count from its filename and
// size. When raw PDF bytes are available the real page count is read
// instead of guessed.
func EstimatePages(filename string, sizeBytes int64, raw []byte) int {
	ext := strings.ToLower(filepath.Ext(filename))

	if ext == ".pdf" && len(raw) > 0 {
		if n, ok := pdfPageCount(raw); ok {
			return n
		}
	}

	switch {
	case imageExts[ext]:
		return 1
	case ext == ".pdf":
		return sizeToPages(sizeBytes, pdfBytesPerPage)
	default:
		return sizeToPages(sizeBytes, textBytesPerPage)
	}
}

func pdfPageCount(raw []byte) (int, bool) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return 0, false
	}
	n := r.NumPage()
	if n < 1 {
		return 0, false
	}
	return n, true
}

func sizeToPages(sizeBytes int64, perPage int64) int {
	if sizeBytes <= 0 {
		return 1
	}
	n := int((sizeBytes + perPage - 1) / perPage)
	if n < 1 {
		n = 1
	}
	return n
}
