package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xproxy-gateway/xproxy/store"
)

// ErrStateNotFound is returned when a previous_response_id does not resolve.
// The HTTP layer maps this to 409 Conflict per §4.12.
var ErrStateNotFound = errors.New("state: previous_response_id not found")

// Turn is one stored conversation turn.
type Turn struct {
	ResponseID        string
	InputItems        []json.RawMessage
	Output            []json.RawMessage
	Model             string
	AliasResolvedModel string
	IsStreaming       bool
	RequestID         string
}

// Store is the capability interface both backends satisfy. Callers program
// only to this interface; the in-memory and relational variants are
// interchangeable at construction time.
type Store interface {
	Get(ctx context.Context, responseID string) (Turn, error)
	Put(ctx context.Context, turn Turn) error
	Combine(ctx context.Context, previousResponseID string, newItems []json.RawMessage) ([]json.RawMessage, error)
}

// MemoryStore is a process-local backend, adequate for a single instance or
// for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string]Turn
}

// NewMemoryStore constructs an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string]Turn)}
}

func (m *MemoryStore) Get(_ context.Context, responseID string) (Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.turns[responseID]
	if !ok {
		return Turn{}, ErrStateNotFound
	}
	return t, nil
}

func (m *MemoryStore) Put(_ context.Context, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.ResponseID] = turn
	return nil
}

// Combine resolves previousResponseID's stored turn and returns its input
// items, then its output items, then newItems, in that order. An empty
// previousResponseID combines to just newItems (no chain to resolve).
func (m *MemoryStore) Combine(ctx context.Context, previousResponseID string, newItems []json.RawMessage) ([]json.RawMessage, error) {
	if previousResponseID == "" {
		return newItems, nil
	}
	prev, err := m.Get(ctx, previousResponseID)
	if err != nil {
		return nil, err
	}
	combined := make([]json.RawMessage, 0, len(prev.InputItems)+len(prev.Output)+len(newItems))
	combined = append(combined, prev.InputItems...)
	combined = append(combined, prev.Output...)
	combined = append(combined, newItems...)
	return combined, nil
}

// RelationalStore persists turns as rows via the shared store package,
// serializing input/output item slices to JSON columns.
type RelationalStore struct {
	store *store.Store
}

// NewRelationalStore wraps a persistence adapter as a conversational state
// backend. st must not be nil; callers fall back to MemoryStore when no
// database is configured.
func NewRelationalStore(st *store.Store) *RelationalStore {
	return &RelationalStore{store: st}
}

func (r *RelationalStore) Get(ctx context.Context, responseID string) (Turn, error) {
	row, err := r.store.GetConversationTurn(ctx, responseID)
	if err != nil {
		return Turn{}, fmt.Errorf("state: get: %w", err)
	}
	if row == nil {
		return Turn{}, ErrStateNotFound
	}

	var inputItems, output []json.RawMessage
	if err := json.Unmarshal(row.InputItems, &inputItems); err != nil {
		return Turn{}, fmt.Errorf("state: decode input items: %w", err)
	}
	if err := json.Unmarshal(row.Output, &output); err != nil {
		return Turn{}, fmt.Errorf("state: decode output: %w", err)
	}

	return Turn{
		ResponseID:         row.ResponseID,
		InputItems:         inputItems,
		Output:             output,
		Model:              row.Model,
		AliasResolvedModel: row.AliasResolvedModel,
		IsStreaming:        row.IsStreaming,
		RequestID:          row.RequestID,
	}, nil
}

func (r *RelationalStore) Put(ctx context.Context, turn Turn) error {
	inputItems, err := json.Marshal(turn.InputItems)
	if err != nil {
		return fmt.Errorf("state: encode input items: %w", err)
	}
	output, err := json.Marshal(turn.Output)
	if err != nil {
		return fmt.Errorf("state: encode output: %w", err)
	}

	row := store.ConversationTurn{
		ResponseID:         turn.ResponseID,
		InputItems:         inputItems,
		Output:             output,
		Model:              turn.Model,
		AliasResolvedModel: turn.AliasResolvedModel,
		IsStreaming:        turn.IsStreaming,
		RequestID:          turn.RequestID,
	}
	if err := r.store.PutConversationTurn(ctx, row); err != nil {
		return fmt.Errorf("state: put: %w", err)
	}
	return nil
}

func (r *RelationalStore) Combine(ctx context.Context, previousResponseID string, newItems []json.RawMessage) ([]json.RawMessage, error) {
	if previousResponseID == "" {
		return newItems, nil
	}
	prev, err := r.Get(ctx, previousResponseID)
	if err != nil {
		return nil, err
	}
	combined := make([]json.RawMessage, 0, len(prev.InputItems)+len(prev.Output)+len(newItems))
	combined = append(combined, prev.InputItems...)
	combined = append(combined, prev.Output...)
	combined = append(combined, newItems...)
	return combined, nil
}

// NewResponseID mints a fresh identifier for a stored turn.
func NewResponseID() string {
	return "resp_" + uuid.New().String()
}
