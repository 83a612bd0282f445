package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/store"
)

// Pricing is a resolved (input, output) price pair in cents per token.
type Pricing struct {
	InputPricePerToken  float64
	OutputPricePerToken float64
}

// vendorFile mirrors the on-disk schema: top-level keys are model names.
type vendorFile map[string]struct {
	PricingConfig struct {
		PayAsYouGo struct {
			RequestToken  struct{ Price float64 } `json:"request_token"`
			ResponseToken struct{ Price float64 } `json:"response_token"`
		} `json:"pay_as_you_go"`
	} `json:"pricing_config"`
}

type registryKey struct {
	provider string
	model    string
}

// Registry is the rebuildable provider x model pricing table. The backing
// map is swapped atomically on reload so readers never observe a partial
// rebuild.
type Registry struct {
	snapshot atomic.Pointer[map[registryKey]Pricing]
	store    *store.Store
	log      zerolog.Logger
}

// New constructs an empty registry. Call LoadDir to populate it.
func New(st *store.Store, log zerolog.Logger) *Registry {
	r := &Registry{store: st, log: log}
	empty := map[registryKey]Pricing{}
	r.snapshot.Store(&empty)
	return r
}

// LoadDir reads one JSON file per provider from dir (file name sans
// extension is the provider) and atomically swaps in the new table. A
// missing directory is tolerated — the registry is simply left empty and
// lookups fall back to custom pricing or zero cost, per §4.2.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warn().Str("dir", dir).Msg("pricing directory not found, registry starts empty")
			return nil
		}
		return fmt.Errorf("pricing.LoadDir: %w", err)
	}

	next := map[registryKey]Pricing{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		provider := strings.TrimSuffix(e.Name(), ".json")
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			r.log.Error().Err(err).Str("file", e.Name()).Msg("failed to read pricing file")
			continue
		}
		var vf vendorFile
		if err := json.Unmarshal(raw, &vf); err != nil {
			r.log.Error().Err(err).Str("file", e.Name()).Msg("failed to parse pricing file")
			continue
		}
		for model, entry := range vf {
			next[registryKey{provider: provider, model: model}] = Pricing{
				InputPricePerToken:  entry.PricingConfig.PayAsYouGo.RequestToken.Price,
				OutputPricePerToken: entry.PricingConfig.PayAsYouGo.ResponseToken.Price,
			}
		}
	}

	r.snapshot.Store(&next)
	r.log.Info().Int("entries", len(next)).Str("dir", dir).Msg("pricing registry loaded")
	return nil
}

// Lookup returns the registry's pricing for (provider, model), or false if
// no entry exists.
func (r *Registry) Lookup(provider, model string) (Pricing, bool) {
	table := *r.snapshot.Load()
	p, ok := table[registryKey{provider: provider, model: model}]
	return p, ok
}

// Cost computes input*inputPrice + output*outputPrice in cents, resolving
// the custom-pricing chain first when the store is available: project-scoped
// custom, then global custom, then the registry. Missing pricing yields zero
// cost — a pricing gap must never fail a request.
func (r *Registry) Cost(ctx context.Context, projectID *uuid.UUID, provider, model string, inputTokens, outputTokens int64) float64 {
	p, ok := r.resolve(ctx, projectID, provider, model)
	if !ok {
		r.log.Warn().Str("provider", provider).Str("model", model).Msg("no pricing found, defaulting to zero cost")
		return 0
	}
	return float64(inputTokens)*p.InputPricePerToken + float64(outputTokens)*p.OutputPricePerToken
}

func (r *Registry) resolve(ctx context.Context, projectID *uuid.UUID, provider, model string) (Pricing, bool) {
	if r.store != nil {
		if custom, err := r.store.CustomPricing(ctx, projectID, provider, model); err == nil && custom != nil {
			// Custom pricing is cents per million tokens; convert explicitly.
			return Pricing{
				InputPricePerToken:  custom.InputPricePerMillion / 1_000_000,
				OutputPricePerToken: custom.OutputPricePerMillion / 1_000_000,
			}, true
		} else if err != nil {
			r.log.Warn().Err(err).Msg("custom pricing lookup failed, falling back to registry")
		}
	}
	return r.Lookup(provider, model)
}
