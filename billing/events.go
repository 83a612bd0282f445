package billing

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent is enqueued by the admission/usage-record path and consumed by
// the Flusher. IsPriced is true for managed-proxy mode (priced on the hot
// path) and false for firewall mode (priced later by the PriceCalculator).
type UsageEvent struct {
	ID           uuid.UUID
	UserID       *uuid.UUID
	ProjectID    uuid.UUID
	PipeID       *uuid.UUID
	TokenID      *uuid.UUID
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostCents    float64
	IsStreaming  bool
	StatusCode   *int
	RequestID    *string
	IsPriced     bool
	CreatedAt    time.Time
}
