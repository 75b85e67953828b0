package handlers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/proxyd/internal/catalog"
	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/repository"
)

// AdminHandler manages upstreams, model overrides and settings — the
// operator-facing configuration surface behind C2/C3/C7.
//
// Grounded on the teacher's internal/http/handlers/admin.go (ServiceKey
// list/upsert/delete Input/Output shape), restated over upstreams and
// model overrides instead of per-user LLM service keys.
type AdminHandler struct {
	upstreams *repository.UpstreamRepository
	overrides *repository.ModelOverrideRepository
	settings  *repository.SettingsRepository
	catalog   *catalog.Catalog
	logger    *slog.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(upstreams *repository.UpstreamRepository, overrides *repository.ModelOverrideRepository, settings *repository.SettingsRepository, cat *catalog.Catalog, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{upstreams: upstreams, overrides: overrides, settings: settings, catalog: cat, logger: logger.With("component", "admin_handler")}
}

// UpstreamBody is the wire shape for an upstream, request and response alike.
type UpstreamBody struct {
	ID            string  `json:"id" doc:"Unique upstream id"`
	ProviderType  string  `json:"provider_type" enum:"openai,anthropic,openrouter,azure,ollama,groq,fireworks,perplexity,xai,gemini,ppqai,generic,custom"`
	BaseURL       string  `json:"base_url"`
	APICredential string  `json:"api_credential,omitempty" doc:"Upstream credential; omitted from list responses"`
	APIVersion    string  `json:"api_version,omitempty" doc:"Azure deployment api-version, required only for Azure"`
	Enabled       bool    `json:"enabled"`
	ProviderFee   float64 `json:"provider_fee" doc:"Multiplicative fee applied over the upstream's raw price"`
}

func upstreamToBody(u *models.Upstream, includeCredential bool) UpstreamBody {
	b := UpstreamBody{
		ID:           u.ID,
		ProviderType: string(u.ProviderType),
		BaseURL:      u.BaseURL,
		APIVersion:   u.APIVersion.String,
		Enabled:      u.Enabled,
		ProviderFee:  u.ProviderFee,
	}
	if includeCredential {
		b.APICredential = u.APICredential
	}
	return b
}

// ListUpstreamsOutput is the list response.
type ListUpstreamsOutput struct {
	Body struct {
		Upstreams []UpstreamBody `json:"upstreams"`
	}
}

// ListUpstreams returns every configured upstream, credentials redacted.
func (h *AdminHandler) ListUpstreams(ctx context.Context, _ *struct{}) (*ListUpstreamsOutput, error) {
	list, err := h.upstreams.ListAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list upstreams: " + err.Error())
	}
	out := &ListUpstreamsOutput{}
	out.Body.Upstreams = make([]UpstreamBody, 0, len(list))
	for _, u := range list {
		out.Body.Upstreams = append(out.Body.Upstreams, upstreamToBody(u, false))
	}
	return out, nil
}

// UpsertUpstreamInput is the upsert request.
type UpsertUpstreamInput struct {
	Body UpstreamBody
}

// UpsertUpstreamOutput is the upsert response.
type UpsertUpstreamOutput struct {
	Body UpstreamBody
}

// UpsertUpstream creates or replaces an upstream's configuration. A newly
// created upstream's provider_fee defaults per models.DefaultProviderFee
// when left at zero.
func (h *AdminHandler) UpsertUpstream(ctx context.Context, input *UpsertUpstreamInput) (*UpsertUpstreamOutput, error) {
	b := input.Body
	providerType := models.ProviderType(b.ProviderType)
	fee := b.ProviderFee
	if fee == 0 {
		fee = models.DefaultProviderFee(providerType)
	}
	u := &models.Upstream{
		ID:            b.ID,
		ProviderType:  providerType,
		BaseURL:       strings.TrimSuffix(b.BaseURL, "/"),
		APICredential: b.APICredential,
		Enabled:       b.Enabled,
		ProviderFee:   fee,
	}
	if b.APIVersion != "" {
		u.APIVersion.String, u.APIVersion.Valid = b.APIVersion, true
	}
	if err := h.upstreams.Upsert(ctx, u); err != nil {
		return nil, huma.Error500InternalServerError("failed to upsert upstream: " + err.Error())
	}
	return &UpsertUpstreamOutput{Body: upstreamToBody(u, false)}, nil
}

// DeleteUpstreamInput identifies the upstream to delete.
type DeleteUpstreamInput struct {
	ID string `path:"id"`
}

// DeleteUpstream removes an upstream's configuration row.
func (h *AdminHandler) DeleteUpstream(ctx context.Context, input *DeleteUpstreamInput) (*struct{}, error) {
	if err := h.upstreams.Delete(ctx, input.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete upstream: " + err.Error())
	}
	return nil, nil
}

// RefreshCatalogOutput reports how many models the catalog holds in total,
// across all upstreams, after the refresh.
type RefreshCatalogOutput struct {
	Body struct {
		ModelCount int `json:"model_count"`
	}
}

// RefreshCatalog forces an immediate C2 catalog refresh, bypassing the
// periodic jittered refresh loop — useful right after an upstream is added.
func (h *AdminHandler) RefreshCatalog(ctx context.Context, _ *struct{}) (*RefreshCatalogOutput, error) {
	if err := h.catalog.RefreshAll(ctx); err != nil {
		return nil, huma.Error502BadGateway("catalog refresh failed: " + err.Error())
	}
	out := &RefreshCatalogOutput{}
	out.Body.ModelCount = len(h.catalog.AllModels())
	return out, nil
}

// ModelOverrideBody is the wire shape for a model override row.
type ModelOverrideBody struct {
	ModelID                        string   `json:"model_id"`
	UpstreamID                     string   `json:"upstream_id"`
	DisplayName                    string   `json:"display_name"`
	ContextWindow                  int64    `json:"context_window"`
	TopProviderContextLength       *int64   `json:"top_provider_context_length,omitempty"`
	TopProviderMaxCompletionTokens *int64   `json:"top_provider_max_completion_tokens,omitempty"`
	USDPrompt                      float64  `json:"usd_prompt"`
	USDCompletion                  float64  `json:"usd_completion"`
	USDRequest                     float64  `json:"usd_request"`
	USDImage                       float64  `json:"usd_image"`
	USDWebSearch                   float64  `json:"usd_web_search"`
	USDInternalReasoning           float64  `json:"usd_internal_reasoning"`
	CanonicalSlug                  string   `json:"canonical_slug,omitempty"`
	AliasIDs                       []string `json:"alias_ids,omitempty"`
	Enabled                        bool     `json:"enabled"`
}

func overrideToBody(m *models.Model) ModelOverrideBody {
	return ModelOverrideBody{
		ModelID:                        m.ID,
		UpstreamID:                     m.UpstreamID,
		DisplayName:                    m.DisplayName,
		ContextWindow:                  m.ContextWindow,
		TopProviderContextLength:       m.TopProviderContextLength,
		TopProviderMaxCompletionTokens: m.TopProviderMaxCompletionTokens,
		USDPrompt:                      m.USD.Prompt,
		USDCompletion:                  m.USD.Completion,
		USDRequest:                     m.USD.Request,
		USDImage:                       m.USD.Image,
		USDWebSearch:                   m.USD.WebSearch,
		USDInternalReasoning:           m.USD.InternalReasoning,
		CanonicalSlug:                  m.CanonicalSlug,
		AliasIDs:                       m.AliasIDs,
		Enabled:                        m.Enabled,
	}
}

// ListModelOverridesInput scopes the listing to one upstream.
type ListModelOverridesInput struct {
	UpstreamID string `path:"upstream_id"`
}

// ListModelOverridesOutput is the list response.
type ListModelOverridesOutput struct {
	Body struct {
		Overrides []ModelOverrideBody `json:"overrides"`
	}
}

// ListModelOverrides returns every override row for one upstream.
func (h *AdminHandler) ListModelOverrides(ctx context.Context, input *ListModelOverridesInput) (*ListModelOverridesOutput, error) {
	list, err := h.overrides.ListForUpstream(ctx, input.UpstreamID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list model overrides: " + err.Error())
	}
	out := &ListModelOverridesOutput{}
	out.Body.Overrides = make([]ModelOverrideBody, 0, len(list))
	for _, m := range list {
		out.Body.Overrides = append(out.Body.Overrides, overrideToBody(m))
	}
	return out, nil
}

// UpsertModelOverrideInput is the upsert request.
type UpsertModelOverrideInput struct {
	Body ModelOverrideBody
}

// UpsertModelOverrideOutput is the upsert response.
type UpsertModelOverrideOutput struct {
	Body ModelOverrideBody
}

// UpsertModelOverride creates or replaces a database override row that
// fully replaces an upstream's cached view of one model (spec §3/§4.2).
func (h *AdminHandler) UpsertModelOverride(ctx context.Context, input *UpsertModelOverrideInput) (*UpsertModelOverrideOutput, error) {
	b := input.Body
	m := &models.Model{
		ID:                             b.ModelID,
		UpstreamID:                     b.UpstreamID,
		DisplayName:                    b.DisplayName,
		ContextWindow:                  b.ContextWindow,
		TopProviderContextLength:       b.TopProviderContextLength,
		TopProviderMaxCompletionTokens: b.TopProviderMaxCompletionTokens,
		USD: models.PricingUSD{
			Prompt: b.USDPrompt, Completion: b.USDCompletion, Request: b.USDRequest,
			Image: b.USDImage, WebSearch: b.USDWebSearch, InternalReasoning: b.USDInternalReasoning,
		},
		CanonicalSlug: b.CanonicalSlug,
		AliasIDs:      b.AliasIDs,
		Enabled:       b.Enabled,
		IsOverride:    true,
	}
	if err := h.overrides.Upsert(ctx, m); err != nil {
		return nil, huma.Error500InternalServerError("failed to upsert model override: " + err.Error())
	}
	return &UpsertModelOverrideOutput{Body: overrideToBody(m)}, nil
}

// DeleteModelOverrideInput identifies the override row to delete.
type DeleteModelOverrideInput struct {
	UpstreamID string `path:"upstream_id"`
	ModelID    string `path:"model_id"`
}

// DeleteModelOverride removes an override row.
func (h *AdminHandler) DeleteModelOverride(ctx context.Context, input *DeleteModelOverrideInput) (*struct{}, error) {
	if err := h.overrides.Delete(ctx, input.ModelID, input.UpstreamID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete model override: " + err.Error())
	}
	return nil, nil
}

// ListSettingsOutput is the settings list response.
type ListSettingsOutput struct {
	Body struct {
		Settings models.Settings `json:"settings"`
	}
}

// ListSettings returns every key/value setting row.
func (h *AdminHandler) ListSettings(ctx context.Context, _ *struct{}) (*ListSettingsOutput, error) {
	all, err := h.settings.All(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list settings: " + err.Error())
	}
	out := &ListSettingsOutput{}
	out.Body.Settings = all
	return out, nil
}

// SetSettingInput is a single key/value write.
type SetSettingInput struct {
	Key  string `path:"key"`
	Body struct {
		Value string `json:"value"`
	}
}

// SetSetting writes or replaces one setting value.
func (h *AdminHandler) SetSetting(ctx context.Context, input *SetSettingInput) (*struct{}, error) {
	if err := h.settings.Set(ctx, input.Key, input.Body.Value); err != nil {
		return nil, huma.Error500InternalServerError("failed to set setting: " + err.Error())
	}
	return nil, nil
}
