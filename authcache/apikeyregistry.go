package authcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/store"
)

// APIKeyRegistry is the §4.5 background-refreshed snapshot map.
type APIKeyRegistry struct {
	store    *store.Store
	log      zerolog.Logger
	snapshot atomic.Pointer[map[string]store.APIKeyEntry]
}

// NewAPIKeyRegistry constructs an empty registry. Call Reload once before
// serving traffic, then StartRefresh to keep it current.
func NewAPIKeyRegistry(st *store.Store, log zerolog.Logger) *APIKeyRegistry {
	r := &APIKeyRegistry{store: st, log: log}
	empty := map[string]store.APIKeyEntry{}
	r.snapshot.Store(&empty)
	return r
}

// Lookup returns the registered entry for keyHash, or false if unknown.
func (r *APIKeyRegistry) Lookup(keyHash string) (store.APIKeyEntry, bool) {
	m := *r.snapshot.Load()
	e, ok := m[keyHash]
	return e, ok
}

// Warm inserts or replaces a single entry in the snapshot without waiting
// for the next Reload. Used to register a key the instant it's created, and
// by tests that exercise firewall admission without a store.
func (r *APIKeyRegistry) Warm(keyHash string, entry store.APIKeyEntry) {
	old := *r.snapshot.Load()
	next := make(map[string]store.APIKeyEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[keyHash] = entry
	r.snapshot.Store(&next)
}

// Reload rebuilds the snapshot from the store in one pass and swaps it in
// atomically.
func (r *APIKeyRegistry) Reload(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	keys, err := r.store.ActiveAPIKeys(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]store.APIKeyEntry, len(keys))
	for _, k := range keys {
		next[k.KeyHash] = store.APIKeyEntry{
			ProjectID: k.ProjectID, Provider: k.Provider, UpstreamURL: k.UpstreamURL,
			DisplayName: k.DisplayName, EgressIP: k.EgressIP,
		}
	}
	r.snapshot.Store(&next)
	r.log.Debug().Int("entries", len(next)).Msg("api key registry reloaded")
	return nil
}

// StartRefresh reloads the registry every interval until ctx is cancelled.
// Reload failures are logged and the previous snapshot is kept in place.
func (r *APIKeyRegistry) StartRefresh(ctx context.Context, interval time.Duration) {
	if r.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.log.Error().Err(err).Msg("api key registry reload failed, keeping previous snapshot")
			}
		}
	}
}
