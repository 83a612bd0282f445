package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func raw(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	turn := Turn{ResponseID: "resp_1", InputItems: []json.RawMessage{raw("hello")}, Model: "gpt-4o"}

	if err := s.Put(context.Background(), turn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Get(context.Background(), "resp_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Model != "gpt-4o" || len(got.InputItems) != 1 {
		t.Fatalf("unexpected turn: %+v", got)
	}
}

func TestMemoryStoreGetMissingReturnsStateNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestMemoryStoreCombineChainsPriorTurn(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Put(context.Background(), Turn{
		ResponseID: "resp_1",
		InputItems: []json.RawMessage{raw("first question")},
		Output:     []json.RawMessage{raw("first answer")},
	})

	combined, err := s.Combine(context.Background(), "resp_1", []json.RawMessage{raw("second question")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(combined) != 3 {
		t.Fatalf("expected 3 combined items, got %d: %v", len(combined), combined)
	}
}

func TestMemoryStoreCombineWithNoPreviousIDPassesThrough(t *testing.T) {
	s := NewMemoryStore()
	items := []json.RawMessage{raw("only question")}
	combined, err := s.Combine(context.Background(), "", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(combined) != 1 {
		t.Fatalf("expected passthrough, got %v", combined)
	}
}

func TestMemoryStoreCombineUnknownPreviousIDFails(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Combine(context.Background(), "resp_missing", nil)
	if !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}
