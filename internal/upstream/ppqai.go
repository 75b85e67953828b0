package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// PPQAI is the adapter for api.ppq.ai, grounded on
// original_source/routstr/upstream/ppqai.py: OpenAI-compatible wire format,
// no model-name transform, with per-model pricing merged in from PPQ's own
// /models listing on top of OpenRouter's catalog shape.
type PPQAI struct{ Base }

func NewPPQAI(u *models.Upstream, client *http.Client) *PPQAI {
	return &PPQAI{Base{Upstream: u, Client: client}}
}

func (a *PPQAI) ProviderType() models.ProviderType { return models.ProviderPPQAI }

func (a *PPQAI) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *PPQAI) PrepareParams(_ string, q url.Values) url.Values { return q }

// TransformModelName passes the id through unchanged, per ppqai.py.
func (a *PPQAI) TransformModelName(modelID string) string { return modelID }

func (a *PPQAI) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

type ppqaiModel struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	Name          string `json:"name"`
	ContextLength int64  `json:"context_length"`
	Pricing       struct {
		API map[string]float64 `json:"api"`
	} `json:"pricing"`
}

// FetchModels hits PPQ.AI's own /models for the live catalog and per-model
// per-1M-token pricing, merging context length and price onto the matching
// OpenRouter entry where one exists and falling back to a bare entry
// otherwise, per ppqai.py's fetch_models.
func (a *PPQAI) FetchModels(ctx context.Context) ([]*models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL()+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Credential())
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: ppqai fetch models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream: ppqai /models returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []ppqaiModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode ppqai /models: %w", err)
	}

	orModels, err := fetchOpenRouterModels(ctx, a.Client, "")
	orByID := make(map[string]*models.Model, len(orModels))
	for _, m := range orModels {
		orByID[m.ID] = m
		orByID[lastPathSegment(m.ID)] = m
	}

	out := make([]*models.Model, 0, len(parsed.Data))
	for _, pm := range parsed.Data {
		inputPer1M := pm.Pricing.API["input_per_1M"]
		outputPer1M := pm.Pricing.API["output_per_1M"]

		if matched, ok := orByID[pm.ID]; ok {
			m := *matched
			if inputPer1M > 0 {
				m.USD.Prompt = inputPer1M / 1_000_000
			}
			if outputPer1M > 0 {
				m.USD.Completion = outputPer1M / 1_000_000
			}
			if pm.ContextLength > 0 {
				m.ContextWindow = pm.ContextLength
			}
			m.ID = pm.ID
			out = append(out, &m)
			continue
		}

		out = append(out, &models.Model{
			ID:            pm.ID,
			DisplayName:   pm.Name,
			ContextWindow: pm.ContextLength,
			Enabled:       true,
			USD: models.PricingUSD{
				Prompt:     inputPer1M / 1_000_000,
				Completion: outputPer1M / 1_000_000,
			},
		})
	}
	return out, nil
}

func (a *PPQAI) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
