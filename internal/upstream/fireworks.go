package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Fireworks is the adapter for api.fireworks.ai, grounded on
// original_source/routstr/upstream/fireworks.py: OpenAI-compatible, last
// path segment only (Fireworks ids are "accounts/.../models/<name>").
type Fireworks struct{ Base }

func NewFireworks(u *models.Upstream, client *http.Client) *Fireworks {
	return &Fireworks{Base{Upstream: u, Client: client}}
}

func (a *Fireworks) ProviderType() models.ProviderType { return models.ProviderFireworks }

func (a *Fireworks) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *Fireworks) PrepareParams(_ string, q url.Values) url.Values { return q }

func (a *Fireworks) TransformModelName(modelID string) string {
	return lastPathSegment(modelID)
}

func (a *Fireworks) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

func (a *Fireworks) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return fetchOpenRouterModels(ctx, a.Client, "fireworks")
}

func (a *Fireworks) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
