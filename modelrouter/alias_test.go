package modelrouter

import "testing"

func TestAliasTableResolveKnownAlias(t *testing.T) {
	table := AliasTable{"fast": {Target: "gpt-4o-mini"}}
	if got := table.Resolve("fast"); got != "gpt-4o-mini" {
		t.Fatalf("got %q, want gpt-4o-mini", got)
	}
}

func TestAliasTableResolveUnknownPassesThrough(t *testing.T) {
	table := AliasTable{"fast": {Target: "gpt-4o-mini"}}
	if got := table.Resolve("gpt-4o"); got != "gpt-4o" {
		t.Fatalf("got %q, want gpt-4o", got)
	}
}

func TestNilAliasTableResolveIsNoOp(t *testing.T) {
	var table AliasTable
	if got := table.Resolve("claude-3-5-sonnet-20241022"); got != "claude-3-5-sonnet-20241022" {
		t.Fatalf("got %q, want unchanged model", got)
	}
}
