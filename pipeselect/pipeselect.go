package pipeselect

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xproxy-gateway/xproxy/store"
)

// NoPipeFoundError is returned when no pipe matches; its message is part of
// the external contract (§8 testable property, scenario 2) and must render
// exactly as "no pipe found for provider '<provider>' model '<model>'".
type NoPipeFoundError struct {
	Provider string
	Model    string
}

func (e *NoPipeFoundError) Error() string {
	return fmt.Sprintf("no pipe found for provider '%s' model '%s'", e.Provider, e.Model)
}

// Selected is the resolved credential and model for one proxied request.
type Selected struct {
	PipeID   uuid.UUID
	Provider string
	APIKey   string
	Model    string
}

// InferProvider maps a model name to a provider using well-known prefixes,
// when the model string carries no explicit "provider/" segment.
func InferProvider(model string) (string, bool) {
	m := strings.ToLower(model)
	switch {
	case hasAnyPrefix(m, "gpt-", "o1", "o3", "o4", "chatgpt", "dall-e", "text-embedding", "whisper", "tts"):
		return "openai", true
	case strings.HasPrefix(m, "claude"):
		return "anthropic", true
	case hasAnyPrefix(m, "gemini", "gemma"):
		return "google", true
	case hasAnyPrefix(m, "mistral", "mixtral", "ministral", "codestral", "pixtral"):
		return "mistral", true
	case hasAnyPrefix(m, "llama", "meta-llama"):
		return "meta", true
	case strings.HasPrefix(m, "deepseek"):
		return "deepseek", true
	case hasAnyPrefix(m, "command", "embed-", "rerank-"):
		return "cohere", true
	default:
		return "", false
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Select implements §4.6: split the model on the first '/' for an explicit
// provider, else infer it; scan the auth context's pipes in list order and
// return the first active match.
func Select(ctx store.AuthContext, model string) (Selected, error) {
	var provider, modelID string
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		provider = strings.ToLower(model[:idx])
		modelID = model[idx+1:]
	} else if inferred, ok := InferProvider(model); ok {
		provider = inferred
		modelID = model
	} else {
		provider = strings.ToLower(model)
		modelID = model
	}

	for _, pipe := range ctx.Pipes {
		if !pipe.IsActive {
			continue
		}
		if strings.ToLower(pipe.Provider) != provider {
			continue
		}
		if !filterAllows(pipe.ModelFilter, model, modelID) {
			continue
		}
		return Selected{PipeID: pipe.ID, Provider: pipe.Provider, APIKey: pipe.APIKeyEncrypted, Model: model}, nil
	}

	return Selected{}, &NoPipeFoundError{Provider: provider, Model: model}
}

// filterAllows reports whether a pipe's comma-separated model_filter permits
// the request: absent, containing "*", the full model string, or the
// post-slash model id all count as a match.
func filterAllows(filter *string, fullModel, modelID string) bool {
	if filter == nil || strings.TrimSpace(*filter) == "" {
		return true
	}
	for _, f := range strings.Split(*filter, ",") {
		f = strings.TrimSpace(f)
		if f == "*" || f == fullModel || f == modelID {
			return true
		}
	}
	return false
}
