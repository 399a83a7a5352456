package constants

// ArtifactFormat names an output artifact type a job can request.
type ArtifactFormat string

const (
	FormatTXT      ArtifactFormat = "txt"
	FormatMarkdown ArtifactFormat = "markdown"
	FormatXLSX     ArtifactFormat = "xlsx"
)

// KnownFormat reports whether f is a producible artifact format.
func KnownFormat(f ArtifactFormat) bool {
	switch f {
	case FormatTXT, FormatMarkdown, FormatXLSX:
		return true
	}
	return false
}

// Submission and scheduling limits.
const (
	MaxFilesPerJob   = 100
	MaxFileSizeBytes = 50 << 20 // 50 MiB per file

	MinPriority = 1 // served first
	MaxPriority = 10

	// Total attempts for a file task on transient failures.
	DefaultMaxAttempts = 3
	// Total attempts when the failure is a system (infra) error.
	SystemMaxAttempts = 2
)
