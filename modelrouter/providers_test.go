package modelrouter

import "testing"

func TestStaticProviderLookup(t *testing.T) {
	table, err := NewTable([]Entry{
		{Name: "my-openai", Model: "gpt-4o", AccessKey: "sk-a", Default: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, ok := table.Get("my-openai")
	if !ok || e.Model != "gpt-4o" {
		t.Fatalf("expected static lookup by name to succeed, got %+v, %v", e, ok)
	}

	e, ok = table.Get("gpt-4o")
	if !ok || e.AccessKey != "sk-a" {
		t.Fatalf("expected static lookup by model to succeed, got %+v, %v", e, ok)
	}

	def, ok := table.Default()
	if !ok || def.Name != "my-openai" {
		t.Fatalf("expected default entry to resolve, got %+v, %v", def, ok)
	}
}

func TestWildcardProviderWithKnownModel(t *testing.T) {
	table, err := NewTable([]Entry{
		{Name: "openai/*", Model: "*", AccessKey: "sk-wild"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, ok := table.Get("openai/gpt-4o")
	if !ok {
		t.Fatal("expected eager expansion to resolve a known model")
	}
	if e.AccessKey != "sk-wild" || e.Model != "gpt-4o" {
		t.Fatalf("unexpected expanded entry: %+v", e)
	}

	e, ok = table.Get("gpt-4o")
	if !ok || e.Model != "gpt-4o" {
		t.Fatalf("expected bare model id to also resolve via expansion, got %+v, %v", e, ok)
	}
}

func TestCustomWildcardProviderWithFullSlug(t *testing.T) {
	table, err := NewTable([]Entry{
		{Name: "onprem/*", Model: "*", AccessKey: "sk-onprem", Endpoint: "https://llm.internal"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, ok := table.Get("onprem/fine-tuned-v7")
	if !ok {
		t.Fatal("expected dynamic wildcard synthesis for an unlisted model")
	}
	if e.Model != "fine-tuned-v7" || e.Endpoint != "https://llm.internal" {
		t.Fatalf("unexpected synthesized entry: %+v", e)
	}
}

func TestNewTableRejectsEmptySource(t *testing.T) {
	if _, err := NewTable(nil); err != ErrEmptySource {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
}

func TestNewTableRejectsMultipleDefaults(t *testing.T) {
	_, err := NewTable([]Entry{
		{Name: "a", Model: "m1", Default: true},
		{Name: "b", Model: "m2", Default: true},
	})
	if err != ErrMoreThanOneDefault {
		t.Fatalf("expected ErrMoreThanOneDefault, got %v", err)
	}
}

func TestNewTableRejectsDuplicateNames(t *testing.T) {
	_, err := NewTable([]Entry{
		{Name: "dup", Model: "m1"},
		{Name: "dup", Model: "m2"},
	})
	var dupErr *DuplicateNameError
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
	if !isDuplicateNameError(err, &dupErr) {
		t.Fatalf("expected *DuplicateNameError, got %T: %v", err, err)
	}
}

func isDuplicateNameError(err error, target **DuplicateNameError) bool {
	d, ok := err.(*DuplicateNameError)
	if ok {
		*target = d
	}
	return ok
}
