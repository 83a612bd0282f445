package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/billing"
	"github.com/xproxy-gateway/xproxy/httperr"
	"github.com/xproxy-gateway/xproxy/pricing"
	"github.com/xproxy-gateway/xproxy/store"
)

// UsageHandler implements the §6 POST /usage/record callback.
type UsageHandler struct {
	log      zerolog.Logger
	pricing  *pricing.Registry
	counters *billing.Counters
	flusher  *billing.Flusher
}

// NewUsageHandler wires the out-of-band usage recording path.
func NewUsageHandler(log zerolog.Logger, priceReg *pricing.Registry, counters *billing.Counters, flusher *billing.Flusher) *UsageHandler {
	return &UsageHandler{log: log, pricing: priceReg, counters: counters, flusher: flusher}
}

type recordUsageRequest struct {
	ProjectID    uuid.UUID  `json:"project_id"`
	UserID       *uuid.UUID `json:"user_id"`
	PipeID       *uuid.UUID `json:"pipe_id"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	IsStreaming  bool       `json:"is_streaming"`
	StatusCode   int        `json:"status_code"`
	RequestID    string     `json:"request_id"`
	FirewallMode bool       `json:"firewall_mode"`
}

// Record handles POST /usage/record. A true firewall_mode body field, or an
// x-xproxy-mode: firewall header, leaves the event unpriced for the price
// calculator; otherwise (managed) it is priced on this hot path.
func (h *UsageHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, fmt.Errorf("%w: %v", httperr.ErrInvalidInput, err))
		return
	}
	if req.ProjectID == uuid.Nil || req.Provider == "" || req.Model == "" {
		httperr.Write(w, fmt.Errorf("%w: project_id, provider, and model are required", httperr.ErrInvalidInput))
		return
	}

	priceNow := !req.FirewallMode && r.Header.Get(modeHeader) != modeFirewall

	var costCents float64
	if priceNow {
		costCents = h.pricing.Cost(r.Context(), &req.ProjectID, req.Provider, req.Model, req.InputTokens, req.OutputTokens)
		today, monthStart := billing.TodayAndMonthStart(time.Now())
		micro := billing.MicroCentsFromCents(costCents)
		h.counters.Record(billing.CounterKey{EntityType: store.EntityProject, EntityID: req.ProjectID, PeriodType: store.PeriodDaily, PeriodStart: today}, micro)
		h.counters.Record(billing.CounterKey{EntityType: store.EntityProject, EntityID: req.ProjectID, PeriodType: store.PeriodMonthly, PeriodStart: monthStart}, micro)
		if req.UserID != nil {
			h.counters.Record(billing.CounterKey{EntityType: store.EntityUser, EntityID: *req.UserID, PeriodType: store.PeriodDaily, PeriodStart: today}, micro)
			h.counters.Record(billing.CounterKey{EntityType: store.EntityUser, EntityID: *req.UserID, PeriodType: store.PeriodMonthly, PeriodStart: monthStart}, micro)
		}
	}

	status := req.StatusCode
	requestID := req.RequestID
	h.flusher.Enqueue(billing.UsageEvent{
		ID: uuid.New(), UserID: req.UserID, ProjectID: req.ProjectID, PipeID: req.PipeID,
		Provider: req.Provider, Model: req.Model, InputTokens: req.InputTokens, OutputTokens: req.OutputTokens,
		CostCents: costCents, IsStreaming: req.IsStreaming, StatusCode: &status, RequestID: &requestID,
		IsPriced: priceNow, CreatedAt: time.Now().UTC(),
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "cost_cents": costCents})
}
