package streampipe

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ObserverStage records chunk/byte/token metrics for tracing and partial-
// stream billing. It does no disconnect detection of its own (the pipeline
// itself owns that).
type ObserverStage struct {
	log   zerolog.Logger
	model string

	mu              sync.Mutex
	chunks          int
	bytes           int64
	tokensEstimated int
}

// NewObserverStage constructs a metrics-only stage for the named model.
func NewObserverStage(log zerolog.Logger, model string) *ObserverStage {
	return &ObserverStage{log: log, model: model}
}

func (o *ObserverStage) Name() string { return "observer" }

func (o *ObserverStage) Process(chunk []byte) ([]byte, error) {
	o.mu.Lock()
	o.chunks++
	o.bytes += int64(len(chunk))
	o.tokensEstimated += estimateTokensFromSSE(chunk)
	o.mu.Unlock()
	return chunk, nil
}

func (o *ObserverStage) End(_ context.Context, outcome Outcome) error {
	o.mu.Lock()
	chunks, bytes, tokens := o.chunks, o.bytes, o.tokensEstimated
	o.mu.Unlock()

	event := o.log.Info()
	if outcome.Disconnected {
		event = o.log.Warn()
	}
	event.
		Str("model", o.model).
		Int("chunks_sent", chunks).
		Int64("bytes_sent", bytes).
		Int("tokens_estimated", tokens).
		Bool("client_disconnected", outcome.Disconnected).
		Dur("duration", outcome.Duration).
		Msg("stream completed")
	return nil
}

// TokensEstimated returns the running estimate, usable by a caller deciding
// partial-stream billing after End has fired.
func (o *ObserverStage) TokensEstimated() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tokensEstimated
}

// estimateTokensFromSSE extracts "data: " payloads from an SSE chunk and
// roughly estimates token count; actual billing prefers provider-reported
// usage when the upstream includes it.
func estimateTokensFromSSE(data []byte) int {
	tokens := 0
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]
		if payload == "[DONE]" {
			continue
		}
		if n := len(payload) / 16; n > 0 {
			tokens += n
		} else if len(payload) > 0 {
			tokens++
		}
	}
	return tokens
}
