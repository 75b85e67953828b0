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

// Generic is the adapter for any OpenAI-compatible endpoint not covered by a
// dedicated adapter, grounded on
// original_source/routstr/upstream/generic.py. Its /models listing rarely
// reports real pricing, so a missing context length is guessed from
// id-substring heuristics and a missing price is a flat placeholder, as in
// the original, until a database override replaces them.
type Generic struct{ Base }

func NewGeneric(u *models.Upstream, client *http.Client) *Generic {
	return &Generic{Base{Upstream: u, Client: client}}
}

func (a *Generic) ProviderType() models.ProviderType { return models.ProviderGeneric }

func (a *Generic) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *Generic) PrepareParams(_ string, q url.Values) url.Values { return q }

// TransformModelName passes the id through unchanged: a generic endpoint's
// model ids are whatever that server reports them as.
func (a *Generic) TransformModelName(modelID string) string { return modelID }

func (a *Generic) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

type genericModel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ModelSpec struct {
		AvailableContextTokens int64 `json:"availableContextTokens"`
		Pricing                struct {
			Input  struct{ USD float64 `json:"usd"` } `json:"input"`
			Output struct{ USD float64 `json:"usd"` } `json:"output"`
		} `json:"pricing"`
	} `json:"model_spec"`
}

// FetchModels calls the upstream's own /models, guesses context length from
// the model id when the listing omits it, and uses a flat 0.001 USD per
// million tokens when the listing omits pricing.
func (a *Generic) FetchModels(ctx context.Context) ([]*models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL()+"/models", nil)
	if err != nil {
		return nil, err
	}
	if cred := a.Credential(); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: generic fetch models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream: generic /models returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []genericModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode generic /models: %w", err)
	}

	out := make([]*models.Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID == "" {
			continue
		}
		promptPrice, completionPrice := 0.001/1_000_000, 0.001/1_000_000
		if m.ModelSpec.Pricing.Input.USD > 0 {
			promptPrice = m.ModelSpec.Pricing.Input.USD / 1_000_000
		}
		if m.ModelSpec.Pricing.Output.USD > 0 {
			completionPrice = m.ModelSpec.Pricing.Output.USD / 1_000_000
		}
		out = append(out, &models.Model{
			ID:            m.ID,
			DisplayName:   orElse(m.Name, m.ID),
			ContextWindow: guessContextLength(m.ID, m.ModelSpec.AvailableContextTokens),
			Enabled:       true,
			USD:           models.PricingUSD{Prompt: promptPrice, Completion: completionPrice},
		})
	}
	return out, nil
}

// guessContextLength mirrors generic.py's id-substring fallback ladder when
// the listing does not report an explicit context window.
func guessContextLength(modelID string, reported int64) int64 {
	if reported > 0 {
		return reported
	}
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "32k"), strings.Contains(id, "32000"):
		return 32768
	case strings.Contains(id, "16k"), strings.Contains(id, "16000"):
		return 16384
	case strings.Contains(id, "8k"), strings.Contains(id, "8000"):
		return 8192
	case strings.Contains(id, "gpt-4"):
		return 8192
	case strings.Contains(id, "claude"):
		return 200000
	default:
		return 4096
	}
}

func orElse(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (a *Generic) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
