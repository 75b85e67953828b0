package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmylchreest/proxyd/internal/models"
)

// orModel mirrors the subset of OpenRouter's GET /models response this
// proxy consumes, restated from original_source/routstr/payment/models.py's
// Model/Pricing/TopProvider/Architecture pydantic shapes.
type orModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int64  `json:"context_length"`
	CanonicalSlug string `json:"canonical_slug"`
	Pricing       struct {
		Prompt            string `json:"prompt"`
		Completion        string `json:"completion"`
		Request           string `json:"request"`
		Image             string `json:"image"`
		WebSearch         string `json:"web_search"`
		InternalReasoning string `json:"internal_reasoning"`
	} `json:"pricing"`
	TopProvider struct {
		ContextLength       *int64 `json:"context_length"`
		MaxCompletionTokens *int64 `json:"max_completion_tokens"`
	} `json:"top_provider"`
}

type orModelsResponse struct {
	Data []orModel `json:"data"`
}

// excludedOpenRouterIDs are free/experimental listings base.py's fetch
// helpers drop unconditionally, regardless of source filter.
var excludedOpenRouterIDs = map[string]bool{
	"openrouter/auto":                      true,
	"google/gemini-2.5-pro-exp-03-25":       true,
	"opengvlab/internvl3-78b":               true,
	"openrouter/sonoma-dusk-alpha":          true,
	"openrouter/sonoma-sky-alpha":           true,
}

// fetchOpenRouterModels fetches and optionally source-filters OpenRouter's
// public model catalog, mirroring async_fetch_openrouter_models. Pricing on
// the wire is USD-per-token already (not per-million), so it is parsed
// as-is into models.PricingUSD.
func fetchOpenRouterModels(ctx context.Context, client *http.Client, sourceFilter string) ([]*models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://openrouter.ai/api/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch openrouter models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream: openrouter models returned status %d", resp.StatusCode)
	}

	var parsed orModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode openrouter models: %w", err)
	}

	prefix := ""
	if sourceFilter != "" {
		prefix = sourceFilter + "/"
	}

	out := make([]*models.Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		id := m.ID
		if prefix != "" {
			if !strings.HasPrefix(id, prefix) {
				continue
			}
			id = strings.TrimPrefix(id, prefix)
		}
		if excludedOpenRouterIDs[m.ID] || strings.Contains(strings.ToLower(m.Name), "(free)") {
			continue
		}
		out = append(out, &models.Model{
			ID:                             id,
			DisplayName:                    m.Name,
			ContextWindow:                  m.ContextLength,
			CanonicalSlug:                  m.CanonicalSlug,
			TopProviderContextLength:       m.TopProvider.ContextLength,
			TopProviderMaxCompletionTokens: m.TopProvider.MaxCompletionTokens,
			Enabled:                        true,
			USD: models.PricingUSD{
				Prompt:            parseFloat(m.Pricing.Prompt),
				Completion:        parseFloat(m.Pricing.Completion),
				Request:           parseFloat(m.Pricing.Request),
				Image:             parseFloat(m.Pricing.Image),
				WebSearch:         parseFloat(m.Pricing.WebSearch),
				InternalReasoning: parseFloat(m.Pricing.InternalReasoning),
			},
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%g", &f)
	return f
}
