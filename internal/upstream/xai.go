package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// XAI is the adapter for api.x.ai, grounded on
// original_source/routstr/upstream/xai.py: OpenAI-compatible, prefix
// stripping only. OpenRouter lists xAI models under the "x-ai" source.
type XAI struct{ Base }

func NewXAI(u *models.Upstream, client *http.Client) *XAI {
	return &XAI{Base{Upstream: u, Client: client}}
}

func (a *XAI) ProviderType() models.ProviderType { return models.ProviderXAI }

func (a *XAI) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *XAI) PrepareParams(_ string, q url.Values) url.Values { return q }

func (a *XAI) TransformModelName(modelID string) string {
	return stripProviderPrefix(modelID, "x-ai")
}

func (a *XAI) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

func (a *XAI) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return fetchOpenRouterModels(ctx, a.Client, "x-ai")
}

func (a *XAI) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
