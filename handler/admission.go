package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/authcache"
	"github.com/xproxy-gateway/xproxy/billing"
	"github.com/xproxy-gateway/xproxy/httperr"
	"github.com/xproxy-gateway/xproxy/observability"
	"github.com/xproxy-gateway/xproxy/pipeselect"
	"github.com/xproxy-gateway/xproxy/security"
	"github.com/xproxy-gateway/xproxy/store"
)

const (
	modeHeader      = "x-xproxy-mode"
	modeFirewall    = "firewall"
	providerHintHdr = "x-xproxy-provider-hint"
	apiKeyHdr       = "x-xproxy-api-key"
	modelHdr        = "x-xproxy-model"
	userIDHdr       = "x-xproxy-user-id"
	projectIDHdr    = "x-xproxy-project-id"
	pipeIDHdr       = "x-xproxy-pipe-id"
	firewallModeHdr = "x-xproxy-firewall-mode"
	upstreamURLHdr  = "x-xproxy-upstream-url"
	apiKeyHashHdr   = "x-xproxy-api-key-hash"
)

// ManagedDecision is the outcome of admitting a managed-proxy request: who
// is making the call and which tenant credential pays for it.
type ManagedDecision struct {
	AuthCtx  store.AuthContext
	Selected pipeselect.Selected
}

// FirewallDecision is the outcome of admitting a firewall-mode request.
type FirewallDecision struct {
	Entry   store.APIKeyEntry
	KeyHash string
}

// AdmissionHandler implements §4.10: the /auth/check endpoint and the
// in-process admission logic the proxy handler reuses directly.
type AdmissionHandler struct {
	log      zerolog.Logger
	cache    *authcache.Cache
	apiKeys  *authcache.APIKeyRegistry
	counters *billing.Counters
	store    *store.Store // may be nil; spending limits are then unchecked
	metrics  *observability.Metrics
}

// NewAdmissionHandler wires the admission decision path.
func NewAdmissionHandler(log zerolog.Logger, cache *authcache.Cache, apiKeys *authcache.APIKeyRegistry, counters *billing.Counters, st *store.Store, metrics *observability.Metrics) *AdmissionHandler {
	return &AdmissionHandler{log: log, cache: cache, apiKeys: apiKeys, counters: counters, store: st, metrics: metrics}
}

// Check handles POST /auth/check.
func (h *AdmissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(modeHeader) == modeFirewall {
		h.checkFirewall(w, r)
		return
	}
	h.checkManaged(w, r)
}

func (h *AdmissionHandler) checkManaged(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		httperr.Write(w, authcache.ErrInvalidToken)
		return
	}

	var body struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperr.Write(w, fmt.Errorf("%w: %v", httperr.ErrInvalidInput, err))
		return
	}
	if body.Model == "" {
		httperr.Write(w, fmt.Errorf("%w: model is required", httperr.ErrInvalidInput))
		return
	}

	decision, err := h.AdmitManaged(r.Context(), token, body.Model)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	w.Header().Set(providerHintHdr, decision.Selected.Provider)
	w.Header().Set(apiKeyHdr, decision.Selected.APIKey)
	w.Header().Set(modelHdr, decision.Selected.Model)
	w.Header().Set(userIDHdr, decision.AuthCtx.UserID.String())
	w.Header().Set(projectIDHdr, decision.AuthCtx.ProjectID.String())
	w.Header().Set(pipeIDHdr, decision.Selected.PipeID.String())
	w.WriteHeader(http.StatusOK)
}

func (h *AdmissionHandler) checkFirewall(w http.ResponseWriter, r *http.Request) {
	apiKey := bearerToken(r.Header.Get("Authorization"))
	decision, err := h.AdmitFirewall(r.Context(), apiKey)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	w.Header().Set(firewallModeHdr, "true")
	w.Header().Set(upstreamURLHdr, decision.Entry.UpstreamURL)
	w.Header().Set(projectIDHdr, decision.Entry.ProjectID.String())
	w.Header().Set(providerHintHdr, decision.Entry.ClusterName())
	w.Header().Set(apiKeyHashHdr, decision.KeyHash)
	w.WriteHeader(http.StatusOK)
}

// AdmitManaged resolves token and model into a billable pipe decision,
// rejecting requests over either the user's or the project's active
// spending limits. It is called both by Check and in-process by the proxy
// handler so the two never drift.
func (h *AdmissionHandler) AdmitManaged(ctx context.Context, token, model string) (ManagedDecision, error) {
	authCtx, err := h.cache.GetOrResolve(ctx, security.HashToken(token))
	if err != nil {
		h.observeAdmission("managed", err)
		return ManagedDecision{}, err
	}

	selected, err := pipeselect.Select(authCtx, model)
	if err != nil {
		h.observeAdmission("managed", err)
		return ManagedDecision{}, err
	}

	if h.store != nil {
		if err := h.checkBudget(ctx, store.EntityUser, authCtx.UserID); err != nil {
			h.observeAdmission("managed", err)
			return ManagedDecision{}, err
		}
		if err := h.checkBudget(ctx, store.EntityProject, authCtx.ProjectID); err != nil {
			h.observeAdmission("managed", err)
			return ManagedDecision{}, err
		}
	}

	h.observeAdmission("managed", nil)
	return ManagedDecision{AuthCtx: authCtx, Selected: selected}, nil
}

// AdmitFirewall recognizes a client-supplied upstream key by hash.
func (h *AdmissionHandler) AdmitFirewall(ctx context.Context, apiKey string) (FirewallDecision, error) {
	hash := security.HashToken(apiKey)
	entry, ok := h.apiKeys.Lookup(hash)
	if !ok {
		h.observeAdmission("firewall", authcache.ErrInvalidToken)
		return FirewallDecision{}, authcache.ErrInvalidToken
	}
	h.observeAdmission("firewall", nil)
	return FirewallDecision{Entry: entry, KeyHash: hash}, nil
}

// observeAdmission records one admission decision against AdmissionTotal,
// labeled by mode and outcome ("allow", or the status text of the HTTP status
// err would translate to, e.g. "Unauthorized"). A nil metrics instance (e.g. in tests that construct the
// handler directly) is a no-op.
func (h *AdmissionHandler) observeAdmission(mode string, err error) {
	if h.metrics == nil {
		return
	}
	outcome := "allow"
	if err != nil {
		outcome = http.StatusText(httperr.StatusFor(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	h.metrics.AdmissionTotal.WithLabelValues(mode, outcome).Inc()
}

// checkBudget rejects with httperr.ErrOverBudget when the in-memory counter
// for any active limit on this entity is already at or past the limit.
func (h *AdmissionHandler) checkBudget(ctx context.Context, entityType store.EntityType, entityID uuid.UUID) error {
	limits, err := h.store.GetSpendingLimits(ctx, entityType, entityID)
	if err != nil {
		h.log.Warn().Err(err).Str("entity_id", entityID.String()).Msg("spending limit lookup failed, admitting without a budget check")
		return nil
	}

	today, monthStart := billing.TodayAndMonthStart(time.Now())
	for _, lim := range limits {
		if !lim.IsActive {
			continue
		}
		periodStart := today
		if lim.PeriodType == store.PeriodMonthly {
			periodStart = monthStart
		}
		key := billing.CounterKey{EntityType: entityType, EntityID: entityID, PeriodType: lim.PeriodType, PeriodStart: periodStart}
		if !h.counters.Check(key, billing.MicroCentsFromCents(lim.LimitCents)) {
			return httperr.ErrOverBudget
		}
	}
	return nil
}

// bearerToken trims surrounding whitespace and strips a "Bearer " prefix if
// present, else returns the trimmed header value (some clients send the raw
// key without the scheme).
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(header)
}
