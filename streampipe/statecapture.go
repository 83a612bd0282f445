package streampipe

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/state"
)

// StateCaptureStage accumulates assistant output and persists the
// conversation turn when the stream concludes with a complete message.
type StateCaptureStage struct {
	store state.Store
	log   zerolog.Logger

	responseID         string
	combinedInput      []json.RawMessage
	model              string
	aliasResolvedModel string
	isStreaming        bool
	requestID          string

	buf bytes.Buffer
}

// NewStateCaptureStage constructs a capture stage for one request. combinedInput
// is the already-resolved input sequence (previous turn's items, if any,
// plus the new request's items) to store alongside the new output.
func NewStateCaptureStage(
	st state.Store,
	log zerolog.Logger,
	responseID string,
	combinedInput []json.RawMessage,
	model, aliasResolvedModel string,
	isStreaming bool,
	requestID string,
) *StateCaptureStage {
	return &StateCaptureStage{
		store:              st,
		log:                log,
		responseID:         responseID,
		combinedInput:      combinedInput,
		model:              model,
		aliasResolvedModel: aliasResolvedModel,
		isStreaming:        isStreaming,
		requestID:          requestID,
	}
}

func (s *StateCaptureStage) Name() string { return "state-capture" }

func (s *StateCaptureStage) Process(chunk []byte) ([]byte, error) {
	s.buf.Write(chunk)
	return chunk, nil
}

// End stores the turn when the assistant produced at least one complete
// output item, including on a disconnect (the client still gets billed and
// future requests can resume from the partial turn).
func (s *StateCaptureStage) End(ctx context.Context, outcome Outcome) error {
	output := parseAssistantOutput(s.buf.Bytes())
	if len(output) == 0 {
		return nil
	}

	turn := state.Turn{
		ResponseID:         s.responseID,
		InputItems:         s.combinedInput,
		Output:             output,
		Model:              s.model,
		AliasResolvedModel: s.aliasResolvedModel,
		IsStreaming:        s.isStreaming,
		RequestID:          s.requestID,
	}
	if err := s.store.Put(ctx, turn); err != nil {
		s.log.Error().Err(err).Str("response_id", s.responseID).Msg("failed to store conversation turn")
		return err
	}
	return nil
}

// parseAssistantOutput extracts the JSON payloads from "data: " SSE lines,
// skipping the terminal "[DONE]" marker.
func parseAssistantOutput(raw []byte) []json.RawMessage {
	var items []json.RawMessage
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(line[len("data: "):])
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if !json.Valid([]byte(payload)) {
			continue
		}
		items = append(items, json.RawMessage(payload))
	}
	return items
}
