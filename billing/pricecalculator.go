package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/observability"
	"github.com/xproxy-gateway/xproxy/pricing"
	"github.com/xproxy-gateway/xproxy/store"
)

// PriceCalculator is the §4.8 background worker. It must never be started
// more than once concurrently.
type PriceCalculator struct {
	store    *store.Store
	pricing  *pricing.Registry
	counters *Counters
	log      zerolog.Logger
	interval time.Duration
	batch    int
	metrics  *observability.Metrics
}

// NewPriceCalculator constructs a calculator. A nil store disables the
// worker entirely (Start returns immediately).
func NewPriceCalculator(st *store.Store, reg *pricing.Registry, counters *Counters, log zerolog.Logger, interval time.Duration, metrics *observability.Metrics) *PriceCalculator {
	return &PriceCalculator{store: st, pricing: reg, counters: counters, log: log, interval: interval, batch: 1000, metrics: metrics}
}

// Start runs the price-batch loop until ctx is cancelled.
func (p *PriceCalculator) Start(ctx context.Context) {
	if p.store == nil {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.metrics != nil {
				p.metrics.PriceCalcTicks.Inc()
			}
			if err := p.priceBatch(ctx); err != nil {
				p.log.Error().Err(err).Msg("price calculator tick failed, will retry next tick")
			}
		}
	}
}

func (p *PriceCalculator) priceBatch(ctx context.Context) error {
	rows, err := p.store.UnpricedUsage(ctx, p.batch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	today, monthStart := TodayAndMonthStart(time.Now())

	for _, row := range rows {
		projectID := row.ProjectID
		cost := p.pricing.Cost(ctx, &projectID, row.Provider, row.Model, row.InputTokens, row.OutputTokens)

		if err := p.store.MarkPriced(ctx, row.ID, cost); err != nil {
			p.log.Error().Err(err).Str("usage_id", row.ID.String()).Msg("failed to mark usage row priced, will retry next tick")
			continue
		}

		micro := MicroCentsFromCents(cost)
		p.counters.Record(CounterKey{EntityType: store.EntityProject, EntityID: row.ProjectID, PeriodType: store.PeriodDaily, PeriodStart: today}, micro)
		p.counters.Record(CounterKey{EntityType: store.EntityProject, EntityID: row.ProjectID, PeriodType: store.PeriodMonthly, PeriodStart: monthStart}, micro)
	}

	p.log.Debug().Int("priced", len(rows)).Msg("price calculator tick complete")
	return nil
}
