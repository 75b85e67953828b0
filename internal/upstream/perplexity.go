package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Perplexity is the adapter for api.perplexity.ai, grounded on
// original_source/routstr/upstream/perplexity.py: OpenAI-compatible, prefix
// stripping only.
type Perplexity struct{ Base }

func NewPerplexity(u *models.Upstream, client *http.Client) *Perplexity {
	return &Perplexity{Base{Upstream: u, Client: client}}
}

func (a *Perplexity) ProviderType() models.ProviderType { return models.ProviderPerplexity }

func (a *Perplexity) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *Perplexity) PrepareParams(_ string, q url.Values) url.Values { return q }

func (a *Perplexity) TransformModelName(modelID string) string {
	return stripProviderPrefix(modelID, "perplexity")
}

func (a *Perplexity) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

func (a *Perplexity) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return fetchOpenRouterModels(ctx, a.Client, "perplexity")
}

func (a *Perplexity) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
