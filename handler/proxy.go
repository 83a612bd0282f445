package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/billing"
	"github.com/xproxy-gateway/xproxy/httperr"
	"github.com/xproxy-gateway/xproxy/modelrouter"
	"github.com/xproxy-gateway/xproxy/observability"
	"github.com/xproxy-gateway/xproxy/pricing"
	"github.com/xproxy-gateway/xproxy/state"
	"github.com/xproxy-gateway/xproxy/store"
	"github.com/xproxy-gateway/xproxy/streampipe"
	"github.com/xproxy-gateway/xproxy/upstream"
)

// privateMetadataKeys are stripped from the body before it is forwarded
// upstream; they carry gateway-internal routing hints the upstream API does
// not understand.
var privateMetadataKeys = []string{"archgw_preference_config"}

// ProxyHandler implements §4.13's request pipeline.
type ProxyHandler struct {
	log          zerolog.Logger
	admission    *AdmissionHandler
	router       *modelrouter.Router
	stateStore   state.Store
	client       *http.Client
	pricing      *pricing.Registry
	counters     *billing.Counters
	flusher      *billing.Flusher
	tracer       *observability.Tracer
	metrics      *observability.Metrics
	maxBodyBytes int64
}

// NewProxyHandler wires the full proxy pipeline.
func NewProxyHandler(
	log zerolog.Logger,
	admission *AdmissionHandler,
	router *modelrouter.Router,
	stateStore state.Store,
	client *http.Client,
	priceReg *pricing.Registry,
	counters *billing.Counters,
	flusher *billing.Flusher,
	tracer *observability.Tracer,
	metrics *observability.Metrics,
	maxBodyBytes int64,
) *ProxyHandler {
	return &ProxyHandler{
		log: log, admission: admission, router: router, stateStore: stateStore,
		client: client, pricing: priceReg, counters: counters, flusher: flusher,
		tracer: tracer, metrics: metrics, maxBodyBytes: maxBodyBytes,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, false)
}

// Messages handles POST /v1/messages.
func (h *ProxyHandler) Messages(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, false)
}

// Responses handles POST /v1/responses, the one endpoint that emulates
// conversational state on top of a stateless upstream.
func (h *ProxyHandler) Responses(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, true)
}

// Models handles GET /v1/models.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	names := h.router.Names()
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		data = append(data, map[string]any{"id": name, "object": "model"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

func (h *ProxyHandler) proxy(w http.ResponseWriter, r *http.Request, stateful bool) {
	ctx := r.Context()
	requestID := r.Header.Get("X-Request-ID")

	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		httperr.Write(w, fmt.Errorf("%w: reading body: %v", httperr.ErrInvalidInput, err))
		return
	}
	if int64(len(raw)) > h.maxBodyBytes {
		httperr.Write(w, fmt.Errorf("%w: body exceeds maximum size", httperr.ErrInvalidInput))
		return
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		httperr.Write(w, fmt.Errorf("%w: %v", httperr.ErrInvalidInput, err))
		return
	}

	model, ok := stringField(payload, "model")
	if !ok || model == "" {
		httperr.Write(w, fmt.Errorf("%w: model is required", httperr.ErrInvalidInput))
		return
	}
	isStreaming, _ := boolField(payload, "stream")

	firewall := r.Header.Get(modeHeader) == modeFirewall

	var (
		credential       string
		projectID        uuid.UUID
		userID           *uuid.UUID
		pipeID           *uuid.UUID
		provider         string
		firewallUpstream string
	)

	if firewall {
		fw, err := h.admission.AdmitFirewall(ctx, bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			httperr.Write(w, err)
			return
		}
		credential = bearerToken(r.Header.Get("Authorization"))
		projectID = fw.Entry.ProjectID
		provider = fw.Entry.Provider
		firewallUpstream = fw.Entry.UpstreamURL
	} else {
		md, err := h.admission.AdmitManaged(ctx, bearerToken(r.Header.Get("Authorization")), model)
		if err != nil {
			httperr.Write(w, err)
			return
		}
		credential = md.Selected.APIKey
		projectID = md.AuthCtx.ProjectID
		uid := md.AuthCtx.UserID
		userID = &uid
		pid := md.Selected.PipeID
		pipeID = &pid
		provider = md.Selected.Provider
	}

	var combinedInput []json.RawMessage
	if stateful {
		combined, err := h.hydrateState(ctx, payload)
		if err != nil {
			httperr.Write(w, err)
			return
		}
		combinedInput = combined
		if marshaled, err := json.Marshal(combined); err == nil {
			payload["input"] = marshaled
		}
		delete(payload, "previous_response_id")
	}

	decision, err := h.router.Resolve(model)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	if marshaled, err := json.Marshal(decision.NativeModel); err == nil {
		payload["model"] = marshaled
	}
	for _, key := range privateMetadataKeys {
		delete(payload, key)
	}

	outBody, err := json.Marshal(payload)
	if err != nil {
		httperr.Write(w, fmt.Errorf("%w: re-encoding body: %v", httperr.ErrInvalidInput, err))
		return
	}

	endpoint := decision.Endpoint
	if firewall && firewallUpstream != "" {
		// Firewall mode routes to the upstream registered against the
		// client's own key (§4.5), not the env-configured model router.
		endpoint = firewallUpstream
	}
	providerHint := decision.ClusterName
	if providerHint == "" {
		providerHint = provider
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(outBody))
	if err != nil {
		httperr.Write(w, fmt.Errorf("%w: %v", httperr.ErrUpstream, err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	req.Header.Set("x-request-id", requestID)
	req.Header.Set("x-arch-provider-hint", providerHint)
	req.Header.Set("x-arch-is-streaming", fmt.Sprintf("%t", isStreaming))
	req.Header.Set("traceparent", h.tracer.TraceParent(r))
	// The observer and state-capture stages read the upstream body as plain
	// SSE text (§5); a gzip-encoded stream would still decode transparently
	// through net/http's default transport, but buffered in a way that
	// defeats incremental flushing. Request identity explicitly so neither
	// side ever has a reason to compress a stream we forward byte-for-byte.
	req.Header.Set("Accept-Encoding", "identity")
	req.ContentLength = int64(len(outBody))

	upstreamStart := time.Now()
	resp, err := h.client.Do(req)
	h.observeLatency(provider, time.Since(upstreamStart))
	if err != nil {
		h.observeProxyRequest(provider, "error")
		httperr.Write(w, fmt.Errorf("%w: %v", httperr.ErrUpstream, err))
		return
	}
	defer resp.Body.Close()
	h.observeProxyRequest(provider, statusClass(resp.StatusCode))

	if isStreaming || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		h.streamResponse(ctx, w, resp, decision, stateful, combinedInput, model, requestID, projectID, userID, pipeID, provider, firewall)
		return
	}
	h.relayResponse(ctx, w, resp, decision, model, requestID, projectID, userID, pipeID, provider, firewall)
}

// observeProxyRequest records one proxied request against ProxyRequestsTotal.
func (h *ProxyHandler) observeProxyRequest(provider, statusClass string) {
	if h.metrics == nil {
		return
	}
	h.metrics.ProxyRequestsTotal.WithLabelValues(provider, statusClass).Inc()
}

// observeLatency records one upstream round-trip duration against
// ProxyLatency.
func (h *ProxyHandler) observeLatency(provider string, d time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.ProxyLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// statusClass buckets an HTTP status code into Prometheus's conventional
// "2xx"/"4xx"/"5xx" label shape.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func (h *ProxyHandler) hydrateState(ctx context.Context, payload map[string]json.RawMessage) ([]json.RawMessage, error) {
	var previousID string
	if raw, ok := payload["previous_response_id"]; ok {
		_ = json.Unmarshal(raw, &previousID)
	}

	var newItems []json.RawMessage
	if raw, ok := payload["input"]; ok {
		if err := json.Unmarshal(raw, &newItems); err != nil {
			newItems = []json.RawMessage{raw}
		}
	}

	return h.stateStore.Combine(ctx, previousID, newItems)
}

func (h *ProxyHandler) streamResponse(
	ctx context.Context, w http.ResponseWriter, resp *http.Response, decision modelrouter.Decision,
	stateful bool, combinedInput []json.RawMessage, requestedModel, requestID string,
	projectID uuid.UUID, userID, pipeID *uuid.UUID, provider string, firewall bool,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.Write(w, fmt.Errorf("%w: response writer does not support flushing", httperr.ErrUpstream))
		return
	}
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	observer := streampipe.NewObserverStage(h.log, decision.NativeModel)
	stages := []streampipe.Stage{observer}
	if stateful {
		stages = append(stages, streampipe.NewStateCaptureStage(
			h.stateStore, h.log, state.NewResponseID(), combinedInput,
			requestedModel, decision.AliasResolvedModel, true, requestID,
		))
	}

	src := upstream.NewResponseSource(resp)
	defer src.Close()

	pipeline := streampipe.New(stages...)
	outcome := pipeline.Run(ctx, src, w)

	inputTokens := estimateInputTokens(combinedInput)
	h.recordUsage(ctx, projectID, userID, pipeID, provider, decision.NativeModel, inputTokens, int64(observer.TokensEstimated()), true, resp.StatusCode, requestID, !firewall)

	if outcome.Err != nil {
		h.log.Warn().Err(outcome.Err).Str("model", decision.NativeModel).Msg("stream ended with a read error")
	}
}

func (h *ProxyHandler) relayResponse(
	ctx context.Context, w http.ResponseWriter, resp *http.Response, decision modelrouter.Decision,
	requestedModel, requestID string, projectID uuid.UUID, userID, pipeID *uuid.UUID, provider string, firewall bool,
) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		httperr.Write(w, fmt.Errorf("%w: reading upstream response: %v", httperr.ErrUpstream, err))
		return
	}

	copyHeader(w.Header(), resp.Header)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	inputTokens, outputTokens := parseUsage(body)
	h.recordUsage(ctx, projectID, userID, pipeID, provider, decision.NativeModel, inputTokens, outputTokens, false, resp.StatusCode, requestID, !firewall)
}

// recordUsage prices (when priceNow is true, i.e. managed-proxy mode) and
// records one usage event. Firewall-mode events are enqueued unpriced for
// the async price calculator to pick up.
func (h *ProxyHandler) recordUsage(
	ctx context.Context, projectID uuid.UUID, userID, pipeID *uuid.UUID, provider, model string,
	inputTokens, outputTokens int64, isStreaming bool, statusCode int, requestID string, priceNow bool,
) {
	var costCents float64
	if priceNow {
		costCents = h.pricing.Cost(ctx, &projectID, provider, model, inputTokens, outputTokens)
		today, monthStart := billing.TodayAndMonthStart(time.Now())
		micro := billing.MicroCentsFromCents(costCents)
		h.counters.Record(billing.CounterKey{EntityType: store.EntityProject, EntityID: projectID, PeriodType: store.PeriodDaily, PeriodStart: today}, micro)
		h.counters.Record(billing.CounterKey{EntityType: store.EntityProject, EntityID: projectID, PeriodType: store.PeriodMonthly, PeriodStart: monthStart}, micro)
		if userID != nil {
			h.counters.Record(billing.CounterKey{EntityType: store.EntityUser, EntityID: *userID, PeriodType: store.PeriodDaily, PeriodStart: today}, micro)
			h.counters.Record(billing.CounterKey{EntityType: store.EntityUser, EntityID: *userID, PeriodType: store.PeriodMonthly, PeriodStart: monthStart}, micro)
		}
	}

	status := statusCode
	reqID := requestID
	h.flusher.Enqueue(billing.UsageEvent{
		ID: uuid.New(), UserID: userID, ProjectID: projectID, PipeID: pipeID,
		Provider: provider, Model: model, InputTokens: inputTokens, OutputTokens: outputTokens,
		CostCents: costCents, IsStreaming: isStreaming, StatusCode: &status, RequestID: &reqID,
		IsPriced: priceNow, CreatedAt: time.Now().UTC(),
	})
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func stringField(payload map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := payload[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func boolField(payload map[string]json.RawMessage, key string) (bool, bool) {
	raw, ok := payload[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

func estimateInputTokens(items []json.RawMessage) int64 {
	var total int
	for _, item := range items {
		total += len(item) / 4
	}
	return int64(total)
}

// usageWire accepts either the OpenAI-style or Anthropic-style usage block
// a non-streaming response may report.
type usageWire struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		InputTokens      int64 `json:"input_tokens"`
		OutputTokens     int64 `json:"output_tokens"`
	} `json:"usage"`
}

func parseUsage(body []byte) (input, output int64) {
	var w usageWire
	if err := json.Unmarshal(body, &w); err != nil {
		return 0, 0
	}
	input = w.Usage.InputTokens
	if input == 0 {
		input = w.Usage.PromptTokens
	}
	output = w.Usage.OutputTokens
	if output == 0 {
		output = w.Usage.CompletionTokens
	}
	return input, output
}
