package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmylchreest/proxyd/internal/models"
)

// ModelOverrideRepository persists database override rows that fully
// replace an upstream's cached view of one model (spec §3, §4.2).
type ModelOverrideRepository struct {
	db *sql.DB
}

// NewModelOverrideRepository constructs a ModelOverrideRepository.
func NewModelOverrideRepository(db *sql.DB) *ModelOverrideRepository {
	return &ModelOverrideRepository{db: db}
}

const modelOverrideColumns = `model_id, upstream_id, display_name, context_window,
	top_provider_context_length, top_provider_max_completion_tokens,
	usd_prompt, usd_completion, usd_request, usd_image, usd_web_search, usd_internal_reasoning,
	canonical_slug, alias_ids, enabled`

func scanModelOverride(row interface{ Scan(dest ...any) error }) (*models.Model, error) {
	var m models.Model
	var aliasCSV string
	if err := row.Scan(
		&m.ID, &m.UpstreamID, &m.DisplayName, &m.ContextWindow,
		&m.TopProviderContextLength, &m.TopProviderMaxCompletionTokens,
		&m.USD.Prompt, &m.USD.Completion, &m.USD.Request, &m.USD.Image, &m.USD.WebSearch, &m.USD.InternalReasoning,
		&m.CanonicalSlug, &aliasCSV, &m.Enabled,
	); err != nil {
		return nil, err
	}
	if aliasCSV != "" {
		m.AliasIDs = strings.Split(aliasCSV, ",")
	}
	m.IsOverride = true
	return &m, nil
}

// ListForUpstream returns all override rows for one upstream.
func (r *ModelOverrideRepository) ListForUpstream(ctx context.Context, upstreamID string) ([]*models.Model, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+modelOverrideColumns+` FROM model_overrides WHERE upstream_id = ?`, upstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Model
	for rows.Next() {
		m, err := scanModelOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Upsert creates or replaces one override row, keyed by (model_id, upstream_id).
func (r *ModelOverrideRepository) Upsert(ctx context.Context, m *models.Model) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_overrides (
			model_id, upstream_id, display_name, context_window,
			top_provider_context_length, top_provider_max_completion_tokens,
			usd_prompt, usd_completion, usd_request, usd_image, usd_web_search, usd_internal_reasoning,
			canonical_slug, alias_ids, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id, upstream_id) DO UPDATE SET
			display_name = excluded.display_name,
			context_window = excluded.context_window,
			top_provider_context_length = excluded.top_provider_context_length,
			top_provider_max_completion_tokens = excluded.top_provider_max_completion_tokens,
			usd_prompt = excluded.usd_prompt,
			usd_completion = excluded.usd_completion,
			usd_request = excluded.usd_request,
			usd_image = excluded.usd_image,
			usd_web_search = excluded.usd_web_search,
			usd_internal_reasoning = excluded.usd_internal_reasoning,
			canonical_slug = excluded.canonical_slug,
			alias_ids = excluded.alias_ids,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		m.ID, m.UpstreamID, m.DisplayName, m.ContextWindow,
		m.TopProviderContextLength, m.TopProviderMaxCompletionTokens,
		m.USD.Prompt, m.USD.Completion, m.USD.Request, m.USD.Image, m.USD.WebSearch, m.USD.InternalReasoning,
		m.CanonicalSlug, strings.Join(m.AliasIDs, ","), m.Enabled, now, now,
	)
	return err
}

// Delete removes an override row.
func (r *ModelOverrideRepository) Delete(ctx context.Context, modelID, upstreamID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM model_overrides WHERE model_id = ? AND upstream_id = ?`, modelID, upstreamID)
	return err
}
