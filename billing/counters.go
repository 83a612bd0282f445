package billing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xproxy-gateway/xproxy/store"
)

// CounterKey identifies one spending counter shard.
type CounterKey struct {
	EntityType  store.EntityType
	EntityID    uuid.UUID
	PeriodType  store.PeriodType
	PeriodStart time.Time // truncated to UTC midnight (daily) or month start (monthly)
}

// Counters is the in-memory spending counter map described in §4.3. Every
// shard is an *int64 manipulated only via sync/atomic; an RWMutex guards the
// map structure only, and no lock is ever held across a suspension point.
type Counters struct {
	mu     sync.RWMutex // guards the map structure only, never the values
	shards map[CounterKey]*int64
}

// NewCounters constructs an empty counter map.
func NewCounters() *Counters {
	return &Counters{shards: make(map[CounterKey]*int64)}
}

func (c *Counters) shard(key CounterKey) *int64 {
	c.mu.RLock()
	s, ok := c.shards[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.shards[key]; ok {
		return s
	}
	var zero int64
	c.shards[key] = &zero
	return c.shards[key]
}

// Record atomically adds microCents to the counter, creating it if absent,
// and returns the new total.
func (c *Counters) Record(key CounterKey, microCents int64) int64 {
	return atomic.AddInt64(c.shard(key), microCents)
}

// Get is a non-blocking read of the counter's current value.
func (c *Counters) Get(key CounterKey) int64 {
	return atomic.LoadInt64(c.shard(key))
}

// Check returns true (admit) when the current counter is strictly less than
// limitMicroCents. Admission is best-effort: it is a process-local snapshot
// and may be stale relative to other processes.
func (c *Counters) Check(key CounterKey, limitMicroCents int64) bool {
	return c.Get(key) < limitMicroCents
}

// Delta is one non-zero counter extracted by SnapshotAndReset.
type Delta struct {
	Key   CounterKey
	Value int64
}

// SnapshotAndReset atomically extracts and zeros every counter's current
// value, emitting only the non-zero deltas. Used by the flusher before each
// flush so concurrent Record calls during the flush land in the next batch.
func (c *Counters) SnapshotAndReset() []Delta {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var deltas []Delta
	for key, shard := range c.shards {
		v := atomic.SwapInt64(shard, 0)
		if v != 0 {
			deltas = append(deltas, Delta{Key: key, Value: v})
		}
	}
	return deltas
}

// Restore re-adds deltas on flush failure, rehydrating the in-memory view.
// SnapshotAndReset and Restore are inverses: snapshotAndReset(restore(d)) ==
// d when no concurrent Record calls land in between.
func (c *Counters) Restore(deltas []Delta) {
	for _, d := range deltas {
		c.Record(d.Key, d.Value)
	}
}

// Hydrate additively loads durable counter rows at startup (today's daily
// rows and the current month's monthly rows).
func (c *Counters) Hydrate(rows []store.SpendingCounter) {
	for _, r := range rows {
		key := CounterKey{EntityType: r.EntityType, EntityID: r.EntityID, PeriodType: r.PeriodType, PeriodStart: r.PeriodStart}
		c.Record(key, r.SpentMicroCents)
	}
}

// TodayAndMonthStart returns the canonical period_start values for "today"
// (daily) and "this month" (monthly), both UTC-midnight truncated.
func TodayAndMonthStart(now time.Time) (today, monthStart time.Time) {
	now = now.UTC()
	today = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return
}

// MicroCentsFromCents converts float cents to integer micro-cents (1 cent =
// 10^4 micro-cents), the counter store's authoritative unit.
func MicroCentsFromCents(cents float64) int64 {
	return int64(cents * 10000)
}
