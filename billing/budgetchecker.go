package billing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/observability"
	"github.com/xproxy-gateway/xproxy/store"
)

// BudgetChecker is the §4.9 background worker.
type BudgetChecker struct {
	store    *store.Store
	log      zerolog.Logger
	interval time.Duration
	blocked  atomic.Pointer[map[uuid.UUID]struct{}]
	metrics  *observability.Metrics
}

// NewBudgetChecker constructs a checker with an empty blocked set.
func NewBudgetChecker(st *store.Store, log zerolog.Logger, interval time.Duration, metrics *observability.Metrics) *BudgetChecker {
	bc := &BudgetChecker{store: st, log: log, interval: interval, metrics: metrics}
	empty := map[uuid.UUID]struct{}{}
	bc.blocked.Store(&empty)
	return bc
}

// Start runs the check loop until ctx is cancelled.
func (b *BudgetChecker) Start(ctx context.Context) {
	if b.store == nil {
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.metrics != nil {
				b.metrics.BudgetCheckTicks.Inc()
			}
			if err := b.check(ctx); err != nil {
				b.log.Error().Err(err).Msg("budget checker tick failed, will retry next tick")
			}
		}
	}
}

func (b *BudgetChecker) check(ctx context.Context) error {
	limits, err := b.store.AllActiveSpendingLimits(ctx)
	if err != nil {
		return err
	}

	today, monthStart := TodayAndMonthStart(time.Now())
	next := map[uuid.UUID]struct{}{}

	for _, lim := range limits {
		if lim.EntityType != store.EntityProject {
			continue
		}
		periodStart := today
		if lim.PeriodType == store.PeriodMonthly {
			periodStart = monthStart
		}

		spent, err := b.store.CumulativeSpend(ctx, lim.EntityType, lim.EntityID, lim.PeriodType, periodStart)
		if err != nil {
			b.log.Error().Err(err).Str("project_id", lim.EntityID.String()).Msg("failed to read cumulative spend, skipping this limit")
			continue
		}

		limitMicro := MicroCentsFromCents(lim.LimitCents)
		if spent >= limitMicro {
			next[lim.EntityID] = struct{}{}
		}
	}

	b.blocked.Store(&next)
	if b.metrics != nil {
		b.metrics.BlockedProjects.Set(float64(len(next)))
	}
	b.log.Debug().Int("blocked_projects", len(next)).Msg("budget checker tick complete")
	return nil
}

// Blocked returns the current blocked-project snapshot as a slice of UUIDs.
func (b *BudgetChecker) Blocked() []uuid.UUID {
	m := *b.blocked.Load()
	out := make([]uuid.UUID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// IsBlocked reports whether projectID is currently over budget.
func (b *BudgetChecker) IsBlocked(projectID uuid.UUID) bool {
	m := *b.blocked.Load()
	_, ok := m[projectID]
	return ok
}
