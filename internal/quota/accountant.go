package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/entity"
	"github.com/joseph-ayodele/docbatch/internal/repository"
)

// Decision is the outcome of a reservation attempt. Remaining is exact in
// both cases so callers can surface a precise limit message.
type Decision struct {
	Granted   bool
	Remaining int
}

// PlanProvider is the billing/subscription collaborator.
type PlanProvider interface {
	GetPlanEnvelope(ctx context.Context, userID uuid.UUID) (entity.PlanEnvelope, error)
}

// errDenied aborts the store mutation so a denied reservation persists
// nothing.
var errDenied = errors.New("reservation denied")

// Accountant performs atomic page-quota accounting. All arithmetic runs
// inside the store's per-user critical section, so two concurrent
// reservations that would jointly exceed the quota can never both succeed.
type Accountant struct {
	usage  repository.UsageRepository
	plans  PlanProvider
	cache  EnvelopeCache
	logger *slog.Logger
}

// NewAccountant wires the accountant. cache may be nil to disable
// envelope caching.
func NewAccountant(usage repository.UsageRepository, plans PlanProvider, cache EnvelopeCache, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{usage: usage, plans: plans, cache: cache, logger: logger}
}

// ReservePages reserves pageCount pages for the user, or denies without
// mutating anything. The read-increment-check is a single serialized
// operation under the per-user lock.
func (a *Accountant) ReservePages(ctx context.Context, userID uuid.UUID, pageCount int) (Decision, error) {
	if pageCount <= 0 {
		return Decision{Granted: true}, nil
	}
	env, err := a.envelope(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	var dec Decision
	err = a.usage.Mutate(ctx, userID, func(tx repository.UsageTx) error {
		led := tx.Ledger()
		rollover(led, env)

		remaining := env.PageLimit - usedFor(led, env.Plan)
		if remaining < 0 {
			remaining = 0
		}
		if pageCount > remaining {
			dec = Decision{Granted: false, Remaining: remaining}
			return errDenied
		}

		led.PagesUsedLifetime += pageCount
		if env.Plan == constants.PlanPro {
			led.PagesUsedThisPeriod += pageCount
		}
		dec = Decision{Granted: true, Remaining: remaining - pageCount}
		return nil
	})
	if errors.Is(err, errDenied) {
		a.logger.Warn("page reservation denied",
			"user_id", userID, "pages", pageCount, "remaining", dec.Remaining)
		return dec, nil
	}
	if err != nil {
		return Decision{}, err
	}
	a.logger.Debug("pages reserved",
		"user_id", userID, "pages", pageCount, "remaining", dec.Remaining)
	return dec, nil
}

// ReleasePages compensates a reservation after downstream work failed
// permanently. Idempotent per (jobID, fileID): duplicate deliveries
// apply nothing.
func (a *Accountant) ReleasePages(ctx context.Context, userID, jobID, fileID uuid.UUID, pageCount int) error {
	if pageCount <= 0 {
		return nil
	}
	env, err := a.envelope(ctx, userID)
	if err != nil {
		return err
	}
	return a.usage.Mutate(ctx, userID, func(tx repository.UsageTx) error {
		first, err := tx.MarkRelease(jobID, fileID)
		if err != nil {
			return err
		}
		if !first {
			a.logger.Debug("duplicate release ignored",
				"user_id", userID, "job_id", jobID, "file_id", fileID)
			return nil
		}
		led := tx.Ledger()
		rollover(led, env)
		led.PagesUsedLifetime = clampZero(led.PagesUsedLifetime - pageCount)
		if env.Plan == constants.PlanPro {
			led.PagesUsedThisPeriod = clampZero(led.PagesUsedThisPeriod - pageCount)
		}
		a.logger.Info("pages released",
			"user_id", userID, "job_id", jobID, "file_id", fileID, "pages", pageCount)
		return nil
	})
}

// AdjustPages reconciles an estimate against the actual page count after a
// successful extraction. A negative delta refunds; a positive delta charges
// up to the remaining quota (extraction already happened, so the charge is
// clamped rather than failed, and the clamp is reported via Granted=false).
func (a *Accountant) AdjustPages(ctx context.Context, userID uuid.UUID, delta int) (Decision, error) {
	if delta == 0 {
		return Decision{Granted: true}, nil
	}
	env, err := a.envelope(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	var dec Decision
	err = a.usage.Mutate(ctx, userID, func(tx repository.UsageTx) error {
		led := tx.Ledger()
		rollover(led, env)

		if delta < 0 {
			led.PagesUsedLifetime = clampZero(led.PagesUsedLifetime + delta)
			if env.Plan == constants.PlanPro {
				led.PagesUsedThisPeriod = clampZero(led.PagesUsedThisPeriod + delta)
			}
			dec = Decision{Granted: true, Remaining: env.PageLimit - usedFor(led, env.Plan)}
			return nil
		}

		remaining := clampZero(env.PageLimit - usedFor(led, env.Plan))
		charge := delta
		granted := true
		if charge > remaining {
			charge = remaining
			granted = false
		}
		led.PagesUsedLifetime += charge
		if env.Plan == constants.PlanPro {
			led.PagesUsedThisPeriod += charge
		}
		dec = Decision{Granted: granted, Remaining: remaining - charge}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	if !dec.Granted {
		a.logger.Warn("page adjustment clamped at quota limit",
			"user_id", userID, "delta", delta, "remaining", dec.Remaining)
	}
	return dec, nil
}

func (a *Accountant) envelope(ctx context.Context, userID uuid.UUID) (entity.PlanEnvelope, error) {
	key := userID.String()
	if a.cache != nil {
		if env, ok := a.cache.Get(ctx, key); ok {
			return env, nil
		}
	}
	env, err := a.plans.GetPlanEnvelope(ctx, userID)
	if err != nil {
		return entity.PlanEnvelope{}, err
	}
	if a.cache != nil {
		if err := a.cache.Set(ctx, key, env); err != nil {
			a.logger.Warn("envelope cache set failed", "user_id", userID, "error", err)
		}
	}
	return env, nil
}

// rollover resets the period counter when the billing provider reports a
// new period start. The provider is authoritative for window boundaries.
func rollover(led *entity.UsageLedger, env entity.PlanEnvelope) {
	led.Plan = env.Plan
	if env.Plan == constants.PlanPro && !env.PeriodStart.Equal(led.PeriodStart) {
		led.PeriodStart = env.PeriodStart
		led.PagesUsedThisPeriod = 0
	}
}

func usedFor(led *entity.UsageLedger, plan constants.PlanType) int {
	if plan == constants.PlanPro {
		return led.PagesUsedThisPeriod
	}
	return led.PagesUsedLifetime
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// StaticPlanProvider serves fixed envelopes; DB-less deployments and tests
// use it in place of the billing service.
type StaticPlanProvider struct {
	Default entity.PlanEnvelope
	ByUser  map[uuid.UUID]entity.PlanEnvelope
}

func (p *StaticPlanProvider) GetPlanEnvelope(_ context.Context, userID uuid.UUID) (entity.PlanEnvelope, error) {
	if env, ok := p.ByUser[userID]; ok {
		return env, nil
	}
	return p.Default, nil
}

// NewFreeEnvelope is a convenience for the default free-plan envelope.
func NewFreeEnvelope(limit int) entity.PlanEnvelope {
	return entity.PlanEnvelope{Plan: constants.PlanFree, PageLimit: limit}
}

// NewProEnvelope builds a pro-plan envelope for the period starting at start.
func NewProEnvelope(limit int, start time.Time) entity.PlanEnvelope {
	return entity.PlanEnvelope{Plan: constants.PlanPro, PageLimit: limit, PeriodStart: start}
}
