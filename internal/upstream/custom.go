package upstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Custom is the adapter for an operator-configured upstream with a fully
// known, fixed model set. It never auto-discovers models: every model it
// serves must be entered as a database override, same as Azure, because a
// "custom" upstream's whole point is that there is no standard listing
// endpoint to trust.
type Custom struct{ Base }

func NewCustom(u *models.Upstream, client *http.Client) *Custom {
	return &Custom{Base{Upstream: u, Client: client}}
}

func (a *Custom) ProviderType() models.ProviderType { return models.ProviderCustom }

func (a *Custom) PrepareHeaders(inbound http.Header) http.Header {
	return prepareHeaders(inbound, a.Credential())
}

func (a *Custom) PrepareParams(_ string, q url.Values) url.Values { return q }

func (a *Custom) TransformModelName(modelID string) string { return modelID }

func (a *Custom) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

func (a *Custom) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return nil, nil
}

func (a *Custom) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
