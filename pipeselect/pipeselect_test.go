package pipeselect

import (
	"testing"

	"github.com/google/uuid"

	"github.com/xproxy-gateway/xproxy/store"
)

func strPtr(s string) *string { return &s }

func TestSelectExplicitProviderAllPipes(t *testing.T) {
	ctx := store.AuthContext{Pipes: []store.Pipe{
		{ID: uuid.New(), Provider: "openai", APIKeyEncrypted: "sk-test", ModelFilter: strPtr("*"), IsActive: true},
	}}

	got, err := Select(ctx, "openai/gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.APIKey != "sk-test" || got.Provider != "openai" {
		t.Fatalf("unexpected selection: %+v", got)
	}
}

func TestSelectRejectedByFilter(t *testing.T) {
	ctx := store.AuthContext{Pipes: []store.Pipe{
		{ID: uuid.New(), Provider: "openai", APIKeyEncrypted: "sk-test", ModelFilter: strPtr("gpt-3.5-turbo"), IsActive: true},
	}}

	_, err := Select(ctx, "openai/gpt-4o")
	if err == nil {
		t.Fatal("expected NoPipeFoundError")
	}
	if got, want := err.Error(), "no pipe found for provider 'openai' model 'openai/gpt-4o'"; got != want {
		t.Fatalf("error message = %q, want %q", got, want)
	}
}

func TestInferProviderFromPrefix(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":                     "openai",
		"claude-3-5-sonnet-20241022": "anthropic",
		"gemini-2.0-flash":           "google",
		"mixtral-8x7b":               "mistral",
		"llama-3.1-70b":              "meta",
		"deepseek-chat":              "deepseek",
		"command-r-plus":             "cohere",
	}
	for model, want := range cases {
		got, ok := InferProvider(model)
		if !ok || got != want {
			t.Errorf("InferProvider(%q) = %q, %v; want %q", model, got, ok, want)
		}
	}
}

func TestSelectSkipsInactivePipeInFavorOfNextMatch(t *testing.T) {
	ctx := store.AuthContext{Pipes: []store.Pipe{
		{ID: uuid.New(), Provider: "openai", APIKeyEncrypted: "sk-disabled", IsActive: false},
		{ID: uuid.New(), Provider: "openai", APIKeyEncrypted: "sk-active", IsActive: true},
	}}

	got, err := Select(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.APIKey != "sk-active" {
		t.Fatalf("expected active pipe to win, got %+v", got)
	}
}

func TestSelectNoPipesConfigured(t *testing.T) {
	ctx := store.AuthContext{}
	_, err := Select(ctx, "unknown-vendor-model")
	if err == nil {
		t.Fatal("expected error")
	}
}
