package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Ollama is the adapter for a local/self-hosted Ollama server, grounded on
// original_source/routstr/upstream/ollama.py. Ollama exposes an
// OpenAI-compatible surface under "/v1" and its own native "/api/tags" for
// listing installed models.
type Ollama struct{ Base }

// NewOllama constructs an Ollama adapter for u.
func NewOllama(u *models.Upstream, client *http.Client) *Ollama {
	return &Ollama{Base{Upstream: u, Client: client}}
}

func (a *Ollama) ProviderType() models.ProviderType { return models.ProviderOllama }

func (a *Ollama) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *Ollama) PrepareParams(_ string, q url.Values) url.Values { return q }

// TransformModelName strips the "ollama/" prefix for Ollama API compatibility.
func (a *Ollama) TransformModelName(modelID string) string {
	return stripProviderPrefix(modelID, "ollama")
}

func (a *Ollama) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

// FetchModels lists locally installed models via Ollama's native /api/tags,
// assigning the flat per-parameter-size context length and nominal pricing
// the original provider uses as a placeholder until an override is entered.
func (a *Ollama) FetchModels(ctx context.Context) ([]*models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL()+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: ollama fetch models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream: ollama /api/tags returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name    string `json:"name"`
			Details struct {
				ParameterSize string `json:"parameter_size"`
				Family        string `json:"family"`
			} `json:"details"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode ollama /api/tags: %w", err)
	}

	out := make([]*models.Model, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if m.Name == "" {
			continue
		}
		out = append(out, &models.Model{
			ID:             m.Name,
			DisplayName:    strings.ReplaceAll(m.Name, ":", " "),
			ContextWindow:  ollamaContextLength(m.Details.ParameterSize),
			Enabled:        true,
			USD: models.PricingUSD{
				Prompt:     0.000003,
				Completion: 0.000003,
			},
		})
	}
	return out, nil
}

// ollamaContextLength is a rough, parameter-count-keyed heuristic — Ollama's
// /api/tags reports the weight file's parameter size, not a context window.
func ollamaContextLength(parameterSize string) int64 {
	p := strings.ToLower(parameterSize)
	switch {
	case strings.Contains(p, "70b"), strings.Contains(p, "72b"):
		return 8192
	case strings.Contains(p, "13b"), strings.Contains(p, "7b"):
		return 4096
	case strings.Contains(p, "3b"), strings.Contains(p, "1b"):
		return 2048
	default:
		return 4096
	}
}

func (a *Ollama) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
