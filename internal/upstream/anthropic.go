package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// anthropicFriendlyAliases maps short human-facing model names to the dated
// upstream ids Anthropic's API actually serves, per
// original_source/routstr/upstream/anthropic.py's fixed_transforms table.
var anthropicFriendlyAliases = map[string]string{
	"claude-haiku-4.5":   "claude-haiku-4-5-20251001",
	"claude-haiku-4-5":   "claude-haiku-4-5-20251001",
	"claude-sonnet-4.5":  "claude-sonnet-4-5-20250929",
	"claude-sonnet-4-5":  "claude-sonnet-4-5-20250929",
	"claude-opus-4.1":    "claude-opus-4-1-20250805",
	"claude-opus-4-1":    "claude-opus-4-1-20250805",
	"claude-opus-4":      "claude-opus-4-20250514",
	"claude-sonnet-4":    "claude-sonnet-4-20250514",
	"claude-3.5-haiku":   "claude-3-5-haiku-20241022",
	"claude-3-5-haiku":   "claude-3-5-haiku-20241022",
	"claude-3-haiku":     "claude-3-haiku-20240307",
}

// Anthropic is the adapter for api.anthropic.com, grounded on
// original_source/routstr/upstream/anthropic.py.
type Anthropic struct{ Base }

// NewAnthropic constructs an Anthropic adapter for u.
func NewAnthropic(u *models.Upstream, client *http.Client) *Anthropic {
	return &Anthropic{Base{Upstream: u, Client: client}}
}

func (a *Anthropic) ProviderType() models.ProviderType { return models.ProviderAnthropic }

func (a *Anthropic) PrepareHeaders(inbound http.Header) http.Header {
	h := prepareHeaders(inbound, "")
	h.Del("Authorization")
	h.Set("x-api-key", a.Credential())
	h.Set("anthropic-version", "2023-06-01")
	return h
}

func (a *Anthropic) PrepareParams(_ string, q url.Values) url.Values { return q }

// TransformModelName expands a friendly alias to its dated upstream id, then
// strips any remaining "anthropic/" prefix.
func (a *Anthropic) TransformModelName(modelID string) string {
	bare := stripProviderPrefix(modelID, "anthropic")
	if dated, ok := anthropicFriendlyAliases[bare]; ok {
		return dated
	}
	return bare
}

func (a *Anthropic) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

// FetchModels fetches Anthropic's catalog from OpenRouter, filtered to the
// "anthropic" source, and records each model's TransformModelName result
// (the dated upstream id, for a friendly name) as an AliasID so the
// multiplexer (C3) also resolves requests that name the dated id.
func (a *Anthropic) FetchModels(ctx context.Context) ([]*models.Model, error) {
	fetched, err := fetchOpenRouterModels(ctx, a.Client, "anthropic")
	if err != nil {
		return nil, err
	}
	for _, m := range fetched {
		m.AliasIDs = append(m.AliasIDs, a.TransformModelName(m.ID))
	}
	return fetched, nil
}

func (a *Anthropic) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
