package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ResolveTokenByHash joins proxy_tokens -> projects -> users, requiring both
// the project and the user to be active and the token non-expired. It also
// bumps last_used_at and loads the project's active pipes.
func (s *Store) ResolveTokenByHash(ctx context.Context, tokenHash string) (*AuthContext, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT pt.id, u.id, u.email, p.id, p.name
		FROM proxy_tokens pt
		JOIN projects p ON p.id = pt.project_id AND p.is_active = true
		JOIN users u ON u.id = p.user_id AND u.is_active = true
		WHERE pt.token_hash = $1
		  AND pt.is_active = true
		  AND (pt.expires_at IS NULL OR pt.expires_at > NOW())
	`, tokenHash)

	var ac AuthContext
	if err := row.Scan(&ac.TokenID, &ac.UserID, &ac.UserEmail, &ac.ProjectID, &ac.ProjectName); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, translate(err)
	}

	if _, err := s.Pool.Exec(ctx, `UPDATE proxy_tokens SET last_used_at = NOW() WHERE id = $1`, ac.TokenID); err != nil {
		return nil, translate(err)
	}

	pipeRows, err := s.Pool.Query(ctx, `
		SELECT id, project_id, name, provider, api_key_encrypted, model_filter, is_active, created_at, updated_at
		FROM pipes
		WHERE project_id = $1 AND is_active = true
	`, ac.ProjectID)
	if err != nil {
		return nil, translate(err)
	}
	defer pipeRows.Close()

	for pipeRows.Next() {
		var p Pipe
		if err := pipeRows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Provider, &p.APIKeyEncrypted, &p.ModelFilter, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, translate(err)
		}
		ac.Pipes = append(ac.Pipes, p)
	}
	if err := pipeRows.Err(); err != nil {
		return nil, translate(err)
	}

	return &ac, nil
}

// GetSpendingLimits returns every active limit for an entity.
func (s *Store) GetSpendingLimits(ctx context.Context, entityType EntityType, entityID uuid.UUID) ([]SpendingLimit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, entity_type, entity_id, period_type, limit_cents, is_active
		FROM spending_limits
		WHERE entity_type = $1 AND entity_id = $2 AND is_active = true
	`, string(entityType), entityID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []SpendingLimit
	for rows.Next() {
		var l SpendingLimit
		var et string
		if err := rows.Scan(&l.ID, &et, &l.EntityID, &l.PeriodType, &l.LimitCents, &l.IsActive); err != nil {
			return nil, translate(err)
		}
		l.EntityType = EntityType(et)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AllActiveSpendingLimits returns every active limit across all entities, for
// the budget checker's periodic sweep.
func (s *Store) AllActiveSpendingLimits(ctx context.Context) ([]SpendingLimit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, entity_type, entity_id, period_type, limit_cents, is_active
		FROM spending_limits
		WHERE is_active = true
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []SpendingLimit
	for rows.Next() {
		var l SpendingLimit
		var et string
		if err := rows.Scan(&l.ID, &et, &l.EntityID, &l.PeriodType, &l.LimitCents, &l.IsActive); err != nil {
			return nil, translate(err)
		}
		l.EntityType = EntityType(et)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CumulativeSpend returns the durable spent_micro_cents for an entity+period,
// 0 if no counter row exists yet.
func (s *Store) CumulativeSpend(ctx context.Context, entityType EntityType, entityID uuid.UUID, periodType PeriodType, periodStart time.Time) (int64, error) {
	var spent int64
	err := s.Pool.QueryRow(ctx, `
		SELECT spent_micro_cents FROM spending_counters
		WHERE entity_type = $1 AND entity_id = $2 AND period_type = $3 AND period_start = $4
	`, string(entityType), entityID, string(periodType), periodStart).Scan(&spent)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, translate(err)
	}
	return spent, nil
}

// LoadCurrentCounters hydrates the in-memory counters at startup: every
// counter row for today (daily) or the current month (monthly).
func (s *Store) LoadCurrentCounters(ctx context.Context, today, monthStart time.Time) ([]SpendingCounter, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT entity_type, entity_id, period_type, period_start, spent_micro_cents
		FROM spending_counters
		WHERE (period_type = 'daily' AND period_start = $1)
		   OR (period_type = 'monthly' AND period_start = $2)
	`, today, monthStart)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []SpendingCounter
	for rows.Next() {
		var c SpendingCounter
		var et, pt string
		if err := rows.Scan(&et, &c.EntityID, &pt, &c.PeriodStart, &c.SpentMicroCents); err != nil {
			return nil, translate(err)
		}
		c.EntityType, c.PeriodType = EntityType(et), PeriodType(pt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CounterDelta is one (key, delta) pair from Counters.SnapshotAndReset, ready
// for an additive upsert.
type CounterDelta struct {
	EntityType  EntityType
	EntityID    uuid.UUID
	PeriodType  PeriodType
	PeriodStart time.Time
	DeltaMicro  int64
}

// FlushUsage performs §4.7's flush sequence atomically: insert the batch of
// usage rows, then additively upsert each counter delta, in one transaction.
func (s *Store) FlushUsage(ctx context.Context, events []UsageRecord, deltas []CounterDelta) error {
	if len(events) == 0 && len(deltas) == 0 {
		return nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO usage_log
				(id, user_id, project_id, pipe_id, token_id, provider, model,
				 input_tokens, output_tokens, cost_cents, is_streaming,
				 status_code, request_id, is_priced, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, e.ID, e.UserID, e.ProjectID, e.PipeID, e.TokenID, e.Provider, e.Model,
			e.InputTokens, e.OutputTokens, e.CostCents, e.IsStreaming,
			e.StatusCode, e.RequestID, e.IsPriced, e.CreatedAt); err != nil {
			return fmt.Errorf("flush usage insert: %w", translate(err))
		}
	}

	for _, d := range deltas {
		if _, err := tx.Exec(ctx, `
			INSERT INTO spending_counters (entity_type, entity_id, period_type, period_start, spent_micro_cents, updated_at)
			VALUES ($1,$2,$3,$4,$5,NOW())
			ON CONFLICT (entity_type, entity_id, period_type, period_start)
			DO UPDATE SET spent_micro_cents = spending_counters.spent_micro_cents + EXCLUDED.spent_micro_cents, updated_at = NOW()
		`, string(d.EntityType), d.EntityID, string(d.PeriodType), d.PeriodStart, d.DeltaMicro); err != nil {
			return fmt.Errorf("flush counter upsert: %w", translate(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return translate(err)
	}
	return nil
}

// UnpricedUsage selects up to limit rows with is_priced=false, oldest first.
func (s *Store) UnpricedUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, user_id, project_id, pipe_id, token_id, provider, model,
		       input_tokens, output_tokens, cost_cents, is_streaming,
		       status_code, request_id, is_priced, created_at
		FROM usage_log
		WHERE is_priced = false
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var u UsageRecord
		if err := rows.Scan(&u.ID, &u.UserID, &u.ProjectID, &u.PipeID, &u.TokenID, &u.Provider, &u.Model,
			&u.InputTokens, &u.OutputTokens, &u.CostCents, &u.IsStreaming,
			&u.StatusCode, &u.RequestID, &u.IsPriced, &u.CreatedAt); err != nil {
			return nil, translate(err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkPriced updates a usage row's cost and is_priced flag, the final step of
// §4.8's price calculator.
func (s *Store) MarkPriced(ctx context.Context, id uuid.UUID, costCents float64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE usage_log SET cost_cents = $2, is_priced = true WHERE id = $1`, id, costCents)
	return translate(err)
}

// CustomPricing resolves project-scoped then global (project IS NULL)
// overrides for (provider, model); returns (nil, nil) if neither exists.
func (s *Store) CustomPricing(ctx context.Context, projectID *uuid.UUID, provider, model string) (*CustomModelPricing, error) {
	if projectID != nil {
		var c CustomModelPricing
		err := s.Pool.QueryRow(ctx, `
			SELECT id, project_id, provider, model, input_price_per_million, output_price_per_million
			FROM custom_model_pricing
			WHERE project_id = $1 AND provider = $2 AND model = $3
		`, *projectID, provider, model).Scan(&c.ID, &c.ProjectID, &c.Provider, &c.Model, &c.InputPricePerMillion, &c.OutputPricePerMillion)
		if err == nil {
			return &c, nil
		}
		if err != pgx.ErrNoRows {
			return nil, translate(err)
		}
	}

	var c CustomModelPricing
	err := s.Pool.QueryRow(ctx, `
		SELECT id, project_id, provider, model, input_price_per_million, output_price_per_million
		FROM custom_model_pricing
		WHERE project_id IS NULL AND provider = $1 AND model = $2
	`, provider, model).Scan(&c.ID, &c.ProjectID, &c.Provider, &c.Model, &c.InputPricePerMillion, &c.OutputPricePerMillion)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// ActiveAPIKeys loads every active firewall-mode registration, for the
// API-key registry's periodic snapshot rebuild.
func (s *Store) ActiveAPIKeys(ctx context.Context) ([]RegisteredApiKey, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, project_id, key_hash, provider, upstream_url, display_name, egress_ip, is_active, created_at
		FROM registered_api_keys
		WHERE is_active = true
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []RegisteredApiKey
	for rows.Next() {
		var k RegisteredApiKey
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.KeyHash, &k.Provider, &k.UpstreamURL, &k.DisplayName, &k.EgressIP, &k.IsActive, &k.CreatedAt); err != nil {
			return nil, translate(err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// InsertUsageEvent inserts a single usage row outside the batch flusher.
// The /usage/record handler does not use it; it enqueues on the flusher.
func (s *Store) InsertUsageEvent(ctx context.Context, e UsageRecord) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO usage_log
			(id, user_id, project_id, pipe_id, token_id, provider, model,
			 input_tokens, output_tokens, cost_cents, is_streaming,
			 status_code, request_id, is_priced, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, e.ID, e.UserID, e.ProjectID, e.PipeID, e.TokenID, e.Provider, e.Model,
		e.InputTokens, e.OutputTokens, e.CostCents, e.IsStreaming,
		e.StatusCode, e.RequestID, e.IsPriced, e.CreatedAt)
	return translate(err)
}

// GetConversationTurn loads one stored turn by response id. Returns (nil,
// nil) when the id is unknown so callers can distinguish "not found" from a
// query failure.
func (s *Store) GetConversationTurn(ctx context.Context, responseID string) (*ConversationTurn, error) {
	var t ConversationTurn
	err := s.Pool.QueryRow(ctx, `
		SELECT response_id, input_items, output, model, alias_resolved_model, is_streaming, request_id
		FROM conversation_turns
		WHERE response_id = $1
	`, responseID).Scan(&t.ResponseID, &t.InputItems, &t.Output, &t.Model, &t.AliasResolvedModel, &t.IsStreaming, &t.RequestID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &t, nil
}

// PutConversationTurn stores or replaces a turn under its response id.
func (s *Store) PutConversationTurn(ctx context.Context, t ConversationTurn) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO conversation_turns (response_id, input_items, output, model, alias_resolved_model, is_streaming, request_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (response_id) DO UPDATE SET
			input_items = EXCLUDED.input_items, output = EXCLUDED.output,
			model = EXCLUDED.model, alias_resolved_model = EXCLUDED.alias_resolved_model,
			is_streaming = EXCLUDED.is_streaming, request_id = EXCLUDED.request_id
	`, t.ResponseID, t.InputItems, t.Output, t.Model, t.AliasResolvedModel, t.IsStreaming, t.RequestID)
	return translate(err)
}
