package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEstimatePagesHeuristics verifies the size heuristics per file kind.
func TestEstimatePagesHeuristics(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		size     int64
		want     int
	}{
		{"image is one page", "scan.jpeg", 9 << 20, 1},
		{"tiny pdf rounds up", "small.pdf", 100, 1},
		{"pdf by size", "big.pdf", 256 << 10, 4},
		{"text by size", "notes.txt", 10 << 10, 3},
		{"zero size floors at one", "empty.txt", 0, 1},
		{"uppercase extension", "PHOTO.PNG", 5 << 20, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EstimatePages(tc.filename, tc.size, nil))
		})
	}
}

// TestEstimatePagesBadPDFBytesFallBack verifies unparseable PDF bytes use
// the size heuristic instead of failing.
func TestEstimatePagesBadPDFBytesFallBack(t *testing.T) {
	raw := []byte("not a pdf at all")
	got := EstimatePages("broken.pdf", 128<<10, raw)
	assert.Equal(t, 2, got)
}
