// Package upstream implements C7: per-provider adapters that translate an
// inbound OpenAI-shaped chat request into whatever an upstream AI API
// expects, fetch that upstream's live model list for the catalog, and map
// its error responses into the proxy's closed error taxonomy.
//
// Grounded on original_source/routstr/upstream/base.py's
// BaseUpstreamProvider (prepare_headers/prepare_params/transform_model_name/
// prepare_request_body/fetch_models hook table) and on the teacher's
// internal/llm/providers.go ProviderAPIConfig (AuthType/APIFormat/ExtraHeaders
// shape). Unlike the Python original's inheritance-based override, each
// concrete adapter here is its own struct embedding Base for shared fields
// only; hooks that must call back into provider-specific behavior (e.g.
// PrepareRequestBody calling TransformModelName) are implemented per adapter
// rather than relying on virtual dispatch through the embedded type, since
// Go's embedding does not provide it.
package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Adapter is the per-provider hook table C8 (internal/proxy) dispatches
// through, and C2 (internal/catalog) dispatches FetchModels through via the
// registry's catalog.Fetcher implementation.
type Adapter interface {
	ProviderType() models.ProviderType
	BaseURL() string
	Credential() string

	// PrepareHeaders returns the header set to send upstream, with
	// proxy-specific and hop-by-hop headers stripped and upstream auth
	// injected.
	PrepareHeaders(inbound http.Header) http.Header

	// PrepareParams returns the query parameters to send upstream for the
	// given request path.
	PrepareParams(path string, q url.Values) url.Values

	// TransformModelName rewrites a client-facing model id into the id this
	// upstream's API expects.
	TransformModelName(modelID string) string

	// PrepareRequestBody rewrites the JSON request body's "model" field (and
	// any other provider-specific shape changes) before forwarding.
	PrepareRequestBody(body []byte) ([]byte, error)

	// FetchModels retrieves this upstream's live model list, unpriced
	// (pre-fee, pre-sats) — the catalog applies fee and sats conversion.
	FetchModels(ctx context.Context) ([]*models.Model, error)

	// MapUpstreamError classifies a non-2xx upstream response.
	MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error
}

// hopByHopHeaders are stripped unconditionally before forwarding upstream,
// per base.py's prepare_headers removal list.
var hopByHopHeaders = []string{
	"Host", "Content-Length", "Refund-Lnurl", "Key-Expiry-Time", "X-Cashu",
	"Authorization",
}

// Base holds the fields every adapter needs; it does not itself implement
// Adapter (each concrete provider type does, explicitly, so that internal
// hook-to-hook calls resolve to that provider's own overrides).
type Base struct {
	Upstream *models.Upstream
	Client   *http.Client
}

func (b *Base) BaseURL() string    { return strings.TrimSuffix(b.Upstream.BaseURL, "/") }
func (b *Base) Credential() string { return b.Upstream.APICredential }

// prepareHeaders is the shared default PrepareHeaders body, called by every
// concrete adapter's own method of that name.
func prepareHeaders(inbound http.Header, credential string) http.Header {
	out := inbound.Clone()
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	if credential != "" {
		out.Set("Authorization", "Bearer "+credential)
	}
	out.Set("Accept-Encoding", "gzip, deflate, br, identity")
	return out
}

// rewriteModelName JSON-decodes body, applies transform to its top-level
// "model" field if present, and re-encodes. Bodies that aren't a JSON object,
// or that carry no "model" field, pass through unchanged — mirrors base.py's
// prepare_request_body swallowing decode errors rather than failing the
// request.
func rewriteModelName(body []byte, transform func(string) string) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return body, nil
	}
	id, ok := data["model"].(string)
	if !ok {
		return body, nil
	}
	data["model"] = transform(id)
	return json.Marshal(data)
}

// defaultMapUpstreamError is the shared default MapUpstreamError body.
func defaultMapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	const snippetLimit = 2048
	snippet := string(body)
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit]
	}
	return proxyerr.MapUpstreamStatus(status, isChatPath, snippet)
}

// stripProviderPrefix removes a leading "prefix/" from id, if present.
func stripProviderPrefix(id, prefix string) string {
	return strings.TrimPrefix(id, prefix+"/")
}

// lastPathSegment returns the portion of id after its final '/'.
func lastPathSegment(id string) string {
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}
