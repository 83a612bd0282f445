package handler

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/authcache"
	"github.com/xproxy-gateway/xproxy/billing"
)

func newTestAdmission() *AdmissionHandler {
	log := zerolog.New(io.Discard)
	cache := authcache.New(nil, nil, log, 10, 0)
	apiKeys := authcache.NewAPIKeyRegistry(nil, log)
	counters := billing.NewCounters()
	return NewAdmissionHandler(log, cache, apiKeys, counters, nil, nil)
}

func TestBearerTokenStripsScheme(t *testing.T) {
	cases := map[string]string{
		"Bearer sk-abc123": "sk-abc123",
		"bearer sk-abc123": "sk-abc123",
		"sk-abc123":        "sk-abc123",
		"":                 "",
		"  Bearer  sk-xyz": "sk-xyz",
	}
	for header, want := range cases {
		if got := bearerToken(header); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestAdmitManagedRejectsUnknownTokenWithoutStore(t *testing.T) {
	h := newTestAdmission()
	_, err := h.AdmitManaged(context.Background(), "sk-whatever", "gpt-4o")
	if err != authcache.ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAdmitFirewallRejectsUnregisteredKey(t *testing.T) {
	h := newTestAdmission()
	_, err := h.AdmitFirewall(context.Background(), "sk-upstream-key")
	if err != authcache.ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCheckHandlerManagedRejectsMissingAuth(t *testing.T) {
	h := newTestAdmission()
	req := httptest.NewRequest("POST", "/auth/check", nil)
	rw := httptest.NewRecorder()
	h.Check(rw, req)

	if rw.Result().StatusCode != 401 {
		t.Fatalf("expected 401 for missing Authorization, got %d", rw.Result().StatusCode)
	}
}

func TestCheckHandlerFirewallRejectsUnregisteredKey(t *testing.T) {
	h := newTestAdmission()
	req := httptest.NewRequest("POST", "/auth/check", nil)
	req.Header.Set("Authorization", "Bearer sk-upstream-key")
	req.Header.Set(modeHeader, modeFirewall)
	rw := httptest.NewRecorder()
	h.Check(rw, req)

	if rw.Result().StatusCode != 401 {
		t.Fatalf("expected 401 for an unregistered firewall key, got %d", rw.Result().StatusCode)
	}
}
