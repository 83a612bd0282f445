package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/authcache"
	"github.com/xproxy-gateway/xproxy/billing"
	"github.com/xproxy-gateway/xproxy/modelrouter"
	"github.com/xproxy-gateway/xproxy/pricing"
	"github.com/xproxy-gateway/xproxy/state"
	"github.com/xproxy-gateway/xproxy/upstream"
)

func newTestProxy(t *testing.T) *ProxyHandler {
	t.Helper()
	log := zerolog.New(io.Discard)
	admission := newTestAdmission()
	counters := billing.NewCounters()
	flusher := billing.NewFlusher(nil, counters, log, 0, 100, nil)
	priceReg := pricing.New(nil, log)

	table, err := modelrouter.NewTable([]modelrouter.Entry{
		{Name: "openai/*", Model: "*", Endpoint: "http://example.invalid", ClusterName: "openai", Default: true},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	mr := modelrouter.NewRouter(table, nil)

	return NewProxyHandler(log, admission, mr, state.NewMemoryStore(), upstream.NewClient(upstream.DefaultClientConfig()), priceReg, counters, flusher, nil, nil, 1<<20)
}

func TestChatCompletionsRejectsInvalidJSON(t *testing.T) {
	h := newTestProxy(t)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("not json"))
	rw := httptest.NewRecorder()
	h.ChatCompletions(rw, req)

	if rw.Result().StatusCode != 400 {
		t.Fatalf("expected 400 for invalid JSON, got %d", rw.Result().StatusCode)
	}
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	h := newTestProxy(t)
	body, _ := json.Marshal(map[string]any{"messages": []any{}})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test")
	rw := httptest.NewRecorder()
	h.ChatCompletions(rw, req)

	if rw.Result().StatusCode != 400 {
		t.Fatalf("expected 400 for missing model, got %d", rw.Result().StatusCode)
	}
}

func TestChatCompletionsRejectsOversizedBody(t *testing.T) {
	h := newTestProxy(t)
	h.maxBodyBytes = 8
	body, _ := json.Marshal(map[string]any{"model": "gpt-4o", "messages": []any{}})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test")
	rw := httptest.NewRecorder()
	h.ChatCompletions(rw, req)

	if rw.Result().StatusCode != 400 {
		t.Fatalf("expected 400 for oversized body, got %d", rw.Result().StatusCode)
	}
}

func TestChatCompletionsRejectsUnauthenticated(t *testing.T) {
	h := newTestProxy(t)
	body, _ := json.Marshal(map[string]any{"model": "gpt-4o"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	h.ChatCompletions(rw, req)

	if rw.Result().StatusCode != 401 {
		t.Fatalf("expected 401 for unauthenticated request, got %d", rw.Result().StatusCode)
	}
}

func TestModelsListsConfiguredEntries(t *testing.T) {
	h := newTestProxy(t)
	req := httptest.NewRequest("GET", "/v1/models", nil)
	rw := httptest.NewRecorder()
	h.Models(rw, req)

	var out struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out.Data) == 0 {
		t.Fatal("expected at least one model entry")
	}
}
