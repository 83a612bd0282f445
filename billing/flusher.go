package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/observability"
	"github.com/xproxy-gateway/xproxy/store"
)

const flusherChannelCapacity = 10000

// Flusher is the single background consumer described in §4.7.
type Flusher struct {
	store    *store.Store
	counters *Counters
	log      zerolog.Logger
	interval time.Duration
	batchMax int
	metrics  *observability.Metrics

	ch   chan UsageEvent
	done chan struct{}
}

// NewFlusher constructs a Flusher. store may be nil, in which case Enqueue
// accepts events and Start reads and discards them until its ctx is
// cancelled (no durable sink configured).
func NewFlusher(st *store.Store, counters *Counters, log zerolog.Logger, interval time.Duration, batchMax int, metrics *observability.Metrics) *Flusher {
	if batchMax <= 0 {
		batchMax = 1000
	}
	return &Flusher{
		store:    st,
		counters: counters,
		log:      log,
		interval: interval,
		batchMax: batchMax,
		metrics:  metrics,
		ch:       make(chan UsageEvent, flusherChannelCapacity),
		done:     make(chan struct{}),
	}
}

// Enqueue submits a usage event. The send never blocks: a full channel drops
// the event and logs it, since backpressure here must not stall the request
// hot path.
func (f *Flusher) Enqueue(e UsageEvent) {
	select {
	case f.ch <- e:
	default:
		f.log.Error().Str("event_id", e.ID.String()).Msg("usage channel full, dropping event")
	}
}

// Start runs the flush loop until ctx is cancelled, then drains and returns.
func (f *Flusher) Start(ctx context.Context) {
	defer close(f.done)

	if f.store == nil {
		f.log.Warn().Msg("usage flusher running without a store, events are accepted and discarded")
		for {
			select {
			case <-ctx.Done():
				f.drainNonBlocking(nil)
				return
			case <-f.ch:
			}
		}
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, f.batchMax)

	for {
		select {
		case <-ctx.Done():
			batch = f.drainNonBlocking(batch)
			f.flush(context.Background(), batch)
			f.log.Info().Msg("usage flusher shutting down")
			return

		case e, ok := <-f.ch:
			if !ok {
				batch = f.drainNonBlocking(batch)
				f.flush(context.Background(), batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= f.batchMax {
				f.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			batch = f.drainNonBlocking(batch)
			f.flush(ctx, batch) // always runs: counter deltas may be non-empty even if batch is
			batch = batch[:0]
		}
	}
}

// drainNonBlocking pulls everything currently queued without blocking.
func (f *Flusher) drainNonBlocking(batch []UsageEvent) []UsageEvent {
	for {
		select {
		case e, ok := <-f.ch:
			if !ok {
				return batch
			}
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// flush implements the §4.7 flush sequence: snapshot-and-reset counters,
// insert the batch, additively upsert the deltas — all in one transaction.
// On failure, deltas are restored and every event of the batch is put back
// on the channel through Enqueue (so a full channel drops it); the caller
// truncates its batch after every flush, successful or not.
func (f *Flusher) flush(ctx context.Context, batch []UsageEvent) {
	deltas := f.counters.SnapshotAndReset()
	if len(batch) == 0 && len(deltas) == 0 {
		return
	}

	records := make([]store.UsageRecord, 0, len(batch))
	for _, e := range batch {
		records = append(records, store.UsageRecord{
			ID: e.ID, UserID: e.UserID, ProjectID: e.ProjectID, PipeID: e.PipeID, TokenID: e.TokenID,
			Provider: e.Provider, Model: e.Model, InputTokens: e.InputTokens, OutputTokens: e.OutputTokens,
			CostCents: e.CostCents, IsStreaming: e.IsStreaming, StatusCode: e.StatusCode,
			RequestID: e.RequestID, IsPriced: e.IsPriced, CreatedAt: e.CreatedAt,
		})
	}
	storeDeltas := make([]store.CounterDelta, 0, len(deltas))
	for _, d := range deltas {
		storeDeltas = append(storeDeltas, store.CounterDelta{
			EntityType: d.Key.EntityType, EntityID: d.Key.EntityID,
			PeriodType: d.Key.PeriodType, PeriodStart: d.Key.PeriodStart, DeltaMicro: d.Value,
		})
	}

	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := f.store.FlushUsage(flushCtx, records, storeDeltas); err != nil {
		f.log.Error().Err(err).Int("events", len(batch)).Int("deltas", len(deltas)).Msg("usage flush failed, restoring deltas and re-queuing events")
		f.counters.Restore(deltas)
		for _, e := range batch {
			f.Enqueue(e)
		}
		f.observeFlush("error", 0)
		return
	}

	f.observeFlush("ok", len(batch))
	f.log.Debug().Int("events", len(batch)).Int("deltas", len(deltas)).Msg("usage flush committed")
}

// observeFlush records one flush tick against UsageFlushTotal and, on
// success, the batch size against UsageFlushBatch.
func (f *Flusher) observeFlush(outcome string, batchSize int) {
	if f.metrics == nil {
		return
	}
	f.metrics.UsageFlushTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		f.metrics.UsageFlushBatch.Observe(float64(batchSize))
	}
}

// Wait blocks until the flush loop has fully exited after Start's ctx is
// cancelled.
func (f *Flusher) Wait() {
	<-f.done
}
