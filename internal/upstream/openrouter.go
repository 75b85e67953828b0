package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// OpenRouter is the adapter for openrouter.ai, grounded on
// original_source/routstr/upstream/openrouter.py. It is the only provider
// the multiplexer's cost-tiebreak formula penalizes (see
// internal/multiplexer's openRouterPenalty), since it re-sells every other
// provider's models at a markup.
type OpenRouter struct{ Base }

// NewOpenRouter constructs an OpenRouter adapter for u.
func NewOpenRouter(u *models.Upstream, client *http.Client) *OpenRouter {
	return &OpenRouter{Base{Upstream: u, Client: client}}
}

func (a *OpenRouter) ProviderType() models.ProviderType { return models.ProviderOpenRouter }

func (a *OpenRouter) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *OpenRouter) PrepareParams(_ string, q url.Values) url.Values { return q }

// TransformModelName passes ids through unchanged: OpenRouter's own ids are
// already "provider/model" and that is exactly what its API expects.
func (a *OpenRouter) TransformModelName(modelID string) string { return modelID }

func (a *OpenRouter) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

// FetchModels fetches OpenRouter's entire unfiltered catalog.
func (a *OpenRouter) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return fetchOpenRouterModels(ctx, a.Client, "")
}

func (a *OpenRouter) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
