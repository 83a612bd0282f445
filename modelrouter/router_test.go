package modelrouter

import "testing"

func TestRouterResolveAppliesAliasThenProviderTable(t *testing.T) {
	table, err := NewTable([]Entry{
		{Name: "openai/*", Model: "*", AccessKey: "sk-live", ClusterName: "openai"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	aliases := AliasTable{"fast": {Target: "openai/gpt-4o-mini"}}
	r := NewRouter(table, aliases)

	decision, err := r.Resolve("fast")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AliasResolvedModel != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected alias resolution: %+v", decision)
	}
	if decision.NativeModel != "gpt-4o-mini" || decision.AccessKey != "sk-live" {
		t.Fatalf("unexpected route: %+v", decision)
	}
}

func TestRouterResolveFallsBackToDefaultEntry(t *testing.T) {
	table, err := NewTable([]Entry{
		{Name: "fallback", Model: "catch-all", AccessKey: "sk-default", Default: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewRouter(table, nil)

	decision, err := r.Resolve("totally-unknown-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AccessKey != "sk-default" || decision.NativeModel != "totally-unknown-model" {
		t.Fatalf("unexpected fallback route: %+v", decision)
	}
}

func TestRouterResolveNoRouteWithoutDefault(t *testing.T) {
	table, err := NewTable([]Entry{
		{Name: "specific", Model: "only-this-one", AccessKey: "sk-x"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewRouter(table, nil)

	_, err = r.Resolve("something-else")
	if err == nil {
		t.Fatal("expected ErrNoRoute")
	}
}
