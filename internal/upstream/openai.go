package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// OpenAI is the adapter for api.openai.com, grounded on
// original_source/routstr/upstream/openai.py.
type OpenAI struct{ Base }

// NewOpenAI constructs an OpenAI adapter for u.
func NewOpenAI(u *models.Upstream, client *http.Client) *OpenAI {
	return &OpenAI{Base{Upstream: u, Client: client}}
}

func (a *OpenAI) ProviderType() models.ProviderType { return models.ProviderOpenAI }

func (a *OpenAI) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *OpenAI) PrepareParams(_ string, q url.Values) url.Values { return q }

// TransformModelName strips the "openai/" prefix for OpenAI API compatibility.
func (a *OpenAI) TransformModelName(modelID string) string {
	return stripProviderPrefix(modelID, "openai")
}

func (a *OpenAI) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

// FetchModels fetches OpenAI's models from OpenRouter's catalog, filtered to
// the "openai" source, since OpenAI's own /models endpoint reports no
// pricing information.
func (a *OpenAI) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return fetchOpenRouterModels(ctx, a.Client, "openai")
}

func (a *OpenAI) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
