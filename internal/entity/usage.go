package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/constants"
)

// UsageLedger is the per-user quota accounting row. Both counters only
// move through the accountant's atomic operations; PagesUsedThisPeriod
// resets when the billing period rolls over.
type UsageLedger struct {
	UserID              uuid.UUID          `json:"user_id"`
	Plan                constants.PlanType `json:"plan"`
	PagesUsedLifetime   int                `json:"pages_used_lifetime"`
	PagesUsedThisPeriod int                `json:"pages_used_this_period"`
	PeriodStart         time.Time          `json:"period_start"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// PlanEnvelope is what the billing collaborator reports for a user.
type PlanEnvelope struct {
	Plan        constants.PlanType `json:"plan"`
	PageLimit   int                `json:"page_limit"`
	PeriodStart time.Time          `json:"period_start"` // zero for lifetime plans
}

// OutputArtifact is a generated, downloadable result of a terminal job.
type OutputArtifact struct {
	ID          uuid.UUID                `json:"id"`
	JobID       uuid.UUID                `json:"job_id"`
	Format      constants.ArtifactFormat `json:"format"`
	StorageRef  string                   `json:"storage_ref"`
	SizeBytes   int64                    `json:"size_bytes"`
	AccessToken string                   `json:"access_token"`
	CreatedAt   time.Time                `json:"created_at"`
	ExpiresAt   time.Time                `json:"expires_at"`
}

// Expired reports whether the artifact's download window has passed.
func (a *OutputArtifact) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
