package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/authcache"
	"github.com/xproxy-gateway/xproxy/billing"
	"github.com/xproxy-gateway/xproxy/config"
	"github.com/xproxy-gateway/xproxy/handler"
	"github.com/xproxy-gateway/xproxy/modelrouter"
	"github.com/xproxy-gateway/xproxy/pricing"
	"github.com/xproxy-gateway/xproxy/state"
	"github.com/xproxy-gateway/xproxy/upstream"
)

func testSetup() http.Handler {
	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: false,
		APIKeyHeader:     "Authorization",
		MaxBodyBytes:     1 << 20,
		DefaultTimeout:   0,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()

	counters := billing.NewCounters()
	flusher := billing.NewFlusher(nil, counters, log, cfg.UsageFlushInterval, 100, nil)
	cache := authcache.New(nil, nil, log, 10, cfg.AuthCacheTTL)
	apiKeys := authcache.NewAPIKeyRegistry(nil, log)
	priceReg := pricing.New(nil, log)

	table, err := modelrouter.NewTable([]modelrouter.Entry{{Name: "default/*", Model: "*", Endpoint: "http://localhost", ClusterName: "default", Default: true}})
	if err != nil {
		panic(err)
	}
	mr := modelrouter.NewRouter(table, nil)

	admission := handler.NewAdmissionHandler(log, cache, apiKeys, counters, nil, nil)
	proxy := handler.NewProxyHandler(log, admission, mr, state.NewMemoryStore(), upstream.NewClient(upstream.DefaultClientConfig()), priceReg, counters, flusher, nil, nil, cfg.MaxBodyBytes)
	usage := handler.NewUsageHandler(log, priceReg, counters, flusher)
	budget := handler.NewBudgetHandler(billing.NewBudgetChecker(nil, log, 0, nil))

	return New(cfg, log, Handlers{Admission: admission, Proxy: proxy, Usage: usage, Budget: budget}, nil)
}

func TestHealthEndpoints(t *testing.T) {
	r := testSetup()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"ready", "/ready", http.StatusOK},
		{"health", "/health", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestUnauthenticatedChatCompletionsRejected(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode == http.StatusOK {
		t.Fatalf("expected a non-200 status for an unauthenticated proxy request, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Strict-Transport-Security",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}
