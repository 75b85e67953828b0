package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Azure is the adapter for an Azure OpenAI deployment, grounded on
// original_source/routstr/upstream/azure.py. Azure's API requires an
// explicit api-version query parameter on chat-completions calls; there is
// no live model-listing endpoint, so the catalog is entirely
// database-override-driven for this provider (FetchModels returns none).
type Azure struct{ Base }

// NewAzure constructs an Azure adapter for u. u.APIVersion must be set;
// azure.py's from_db_row refuses to construct the provider without one.
func NewAzure(u *models.Upstream, client *http.Client) *Azure {
	return &Azure{Base{Upstream: u, Client: client}}
}

func (a *Azure) ProviderType() models.ProviderType { return models.ProviderAzure }

func (a *Azure) PrepareHeaders(inbound http.Header) http.Header {
	h := prepareHeaders(inbound, "")
	h.Del("Authorization")
	h.Set("api-key", a.Credential())
	return h
}

// PrepareParams adds the deployment's api-version to chat-completions calls
// only, per azure.py's prepare_params.
func (a *Azure) PrepareParams(path string, q url.Values) url.Values {
	if strings.Contains(path, "chat/completions") && a.Upstream.APIVersion.Valid {
		q.Set("api-version", a.Upstream.APIVersion.String)
	}
	return q
}

// TransformModelName passes the id through unchanged: Azure deployments are
// already named by the caller's configured deployment id.
func (a *Azure) TransformModelName(modelID string) string { return modelID }

func (a *Azure) PrepareRequestBody(body []byte) ([]byte, error) {
	return rewriteModelName(body, a.TransformModelName)
}

// FetchModels returns nothing: Azure deployments have no discovery endpoint,
// so every model this upstream serves must be entered as a database override.
func (a *Azure) FetchModels(ctx context.Context) ([]*models.Model, error) {
	return nil, nil
}

func (a *Azure) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
