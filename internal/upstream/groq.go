package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Groq is the adapter for api.groq.com, grounded on
// original_source/routstr/upstream/groq.py: OpenAI-compatible, prefix
// stripping only.
type Groq struct{ Base }

func NewGroq(u *models.Upstream, client *http.Client) *Groq {
	return &Groq{Base{Upstream: u, Client: client}}
}

func (a *Groq) ProviderType() models.ProviderType { return models.ProviderGroq }

func (a *Groq) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *Groq) PrepareParams(_ string, q url.Values) url.Values { return q }

func (a *Groq) TransformModelName(modelID string) string {
	return stripProviderPrefix(modelID, "groq")
}

func (a *Groq) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

func (a *Groq) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return fetchOpenRouterModels(ctx, a.Client, "groq")
}

func (a *Groq) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
