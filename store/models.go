package store

import (
	"time"

	"github.com/google/uuid"
)

// PeriodType scopes a spending limit or counter to a rolling window.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodMonthly PeriodType = "monthly"
)

// EntityType names what a spending limit or counter is scoped to.
type EntityType string

const (
	EntityUser    EntityType = "user"
	EntityProject EntityType = "project"
)

// User is an account holder. is_active=false users cannot authenticate.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	DisplayName  *string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Project owns pipes, tokens, usage, limits, and custom pricing.
type Project struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Name        string
	Description *string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pipe supplies the upstream credential for a (project, provider, model) triple.
// APIKeyEncrypted keeps the field name from the original contract; the value is
// plaintext today (see open question on encryption at rest in DESIGN.md).
type Pipe struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Name            string
	Provider        string
	APIKeyEncrypted string
	ModelFilter     *string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProxyToken is looked up exclusively by its SHA-256 hash; the raw token is
// shown to the creator once, at issuance.
type ProxyToken struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	TokenHash  string
	Name       string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// RegisteredApiKey is a firewall-mode entry: the gateway recognizes the
// client's own upstream key by hash and routes to the registered upstream.
type RegisteredApiKey struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	KeyHash     string
	Provider    string
	UpstreamURL string
	DisplayName *string
	EgressIP    string // "default" or a named egress tag
	IsActive    bool
	CreatedAt   time.Time
}

// UsageRecord is one proxied request's token usage. is_priced transitions
// false->true exactly once, either on the hot path (managed mode) or via the
// async price calculator (firewall mode).
type UsageRecord struct {
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

// SpendingLimit is unique per (entity_type, entity_id, period_type).
type SpendingLimit struct {
	ID         uuid.UUID
	EntityType EntityType
	EntityID   uuid.UUID
	PeriodType PeriodType
	LimitCents float64
	IsActive   bool
}

// SpendingCounter is the durable, additive-only cumulative spend row.
type SpendingCounter struct {
	EntityType      EntityType
	EntityID        uuid.UUID
	PeriodType      PeriodType
	PeriodStart     time.Time
	SpentMicroCents int64
}

// ModelPricing is the registry's per-token pricing, cents per token.
type ModelPricing struct {
	Provider          string
	Model             string
	InputPricePerTok  float64
	OutputPricePerTok float64
}

// CustomModelPricing overrides the registry for a project (or globally when
// ProjectID is nil), denominated in cents per million tokens.
type CustomModelPricing struct {
	ID                 uuid.UUID
	ProjectID          *uuid.UUID
	Provider           string
	Model              string
	InputPricePerMillion  float64
	OutputPricePerMillion float64
}

// AuthContext is what the auth cache resolves a token hash to.
type AuthContext struct {
	UserID      uuid.UUID
	ProjectID   uuid.UUID
	TokenID     uuid.UUID
	UserEmail   string
	ProjectName string
	Pipes       []Pipe
}

// APIKeyEntry is one firewall-mode registry snapshot entry.
type APIKeyEntry struct {
	ProjectID   uuid.UUID
	Provider    string
	UpstreamURL string
	DisplayName *string
	EgressIP    string
}

// ConversationTurn is one persisted turn of a stateful "responses" API
// conversation, addressed by its synthesized response_id.
type ConversationTurn struct {
	ResponseID         string
	InputItems         []byte // JSON array
	Output             []byte // JSON array
	Model              string
	AliasResolvedModel string
	IsStreaming        bool
	RequestID          string
}

// ClusterName is the provider hint emitted to the routing layer: "provider"
// when EgressIP is the default pool, else "provider-<egress_ip>".
func (e APIKeyEntry) ClusterName() string {
	if e.EgressIP == "" || e.EgressIP == "default" {
		return e.Provider
	}
	return e.Provider + "-" + e.EgressIP
}
