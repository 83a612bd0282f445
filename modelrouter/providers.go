package modelrouter

import (
	"errors"
	"fmt"
	"strings"
)

// Entry is one configured provider/model binding.
type Entry struct {
	Name              string // e.g. "openai/gpt-4o", or a bare provider name
	Model             string
	AccessKey         string
	Endpoint          string
	ClusterName       string
	Default           bool
	BaseURLPathPrefix string
	RoutingPrefs      []string // labeled routes for the optional router-model consultation
}

// Errors mirroring llm_providers.rs's LlmProvidersNewError.
var (
	ErrEmptySource        = errors.New("modelrouter: at least one provider entry is required")
	ErrMoreThanOneDefault = errors.New("modelrouter: at most one default provider entry is allowed")
)

// DuplicateNameError reports a provider name collision at load time.
type DuplicateNameError struct{ Name string }

func (e *DuplicateNameError) Error() string { return fmt.Sprintf("modelrouter: %q is not a unique name", e.Name) }

// Table is the resolved, queryable provider/model configuration.
type Table struct {
	providers map[string]Entry
	wildcards map[string]Entry // provider prefix -> base wildcard entry
	defaultEntry *Entry
}

// knownModels is the embedded provider -> known-models dataset used to
// eagerly expand wildcard entries at load time. It mirrors the model names
// seeded into the pricing registry's vendor JSON files.
var knownModels = map[string][]string{
	"openai": {
		"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo",
		"o1", "o1-mini", "text-embedding-3-small", "text-embedding-3-large",
	},
	"anthropic": {
		"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022",
		"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307",
	},
	"google": {
		"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash-lite",
	},
	"mistral": {
		"mistral-large-latest", "mistral-small-latest", "codestral-latest", "mistral-embed",
	},
	"groq": {
		"llama-3.1-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768",
	},
	"cohere": {
		"command-r-plus", "command-r", "embed-english-v3.0",
	},
}

// ModelsFor returns the known models dataset for a provider prefix, or nil.
func ModelsFor(providerPrefix string) []string {
	return knownModels[providerPrefix]
}

// NewTable builds a Table from a list of configured entries, expanding
// wildcards eagerly where the provider's known-models dataset is non-empty.
func NewTable(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrEmptySource
	}

	t := &Table{providers: map[string]Entry{}, wildcards: map[string]Entry{}}

	for _, e := range entries {
		if e.Default {
			if t.defaultEntry != nil {
				return nil, ErrMoreThanOneDefault
			}
			copy := e
			t.defaultEntry = &copy
		}

		if isWildcard(e.Model) || strings.HasSuffix(e.Name, "/*") {
			prefix := wildcardPrefix(e.Name)
			t.wildcards[prefix] = e

			models := ModelsFor(prefix)
			for _, model := range models {
				fullID := prefix + "/" + model
				expanded := e
				expanded.Model = model
				expanded.Name = fullID
				t.providers[fullID] = expanded
				t.providers[model] = expanded
			}
			continue
		}

		if _, exists := t.providers[e.Name]; exists {
			return nil, &DuplicateNameError{Name: e.Name}
		}
		t.providers[e.Name] = e
		if e.Model != "" {
			if _, exists := t.providers[e.Model]; exists {
				return nil, &DuplicateNameError{Name: e.Name}
			}
			t.providers[e.Model] = e
		}
	}

	return t, nil
}

// Get resolves name, trying: exact match, then (if name contains '/') the
// full "provider/model" id, the bare post-slash model id, and finally a
// dynamic wildcard synthesis for "<provider>/<anything>".
func (t *Table) Get(name string) (Entry, bool) {
	if e, ok := t.providers[name]; ok {
		return e, true
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return Entry{}, false
	}
	prefix, modelName := name[:idx], name[idx+1:]

	if e, ok := t.providers[name]; ok { // redundant defensive check, kept cheap
		return e, true
	}
	if e, ok := t.providers[modelName]; ok {
		return e, true
	}
	if wc, ok := t.wildcards[prefix]; ok {
		synthesized := wc
		synthesized.Model = modelName
		synthesized.Name = name
		return synthesized, true
	}
	return Entry{}, false
}

// Names returns every resolvable entry name in the table, for enumeration
// endpoints such as GET /v1/models. Order is unspecified.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	return names
}

// Default returns the configured default entry, if any.
func (t *Table) Default() (Entry, bool) {
	if t.defaultEntry == nil {
		return Entry{}, false
	}
	return *t.defaultEntry, true
}

func isWildcard(model string) bool {
	return model == "*" || strings.HasSuffix(model, "/*")
}

func wildcardPrefix(name string) string {
	p := strings.TrimSuffix(name, "/*")
	p = strings.TrimSuffix(p, "*")
	return p
}
