package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/proxyd/internal/catalog"
	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/paymethod"
	"github.com/jmylchreest/proxyd/internal/proxy"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// ProxyHandler serves the client-facing inference surface: it classifies
// the inbound credential (C6), then hands the request to the C8
// orchestrator for model resolution, reservation, forwarding and
// finalization.
type ProxyHandler struct {
	resolver    *paymethod.Resolver
	proxy       *proxy.Proxy
	catalog     *catalog.Catalog
	primaryMint string
	logger      *slog.Logger
}

// NewProxyHandler constructs a ProxyHandler.
func NewProxyHandler(resolver *paymethod.Resolver, p *proxy.Proxy, cat *catalog.Catalog, primaryMint string, logger *slog.Logger) *ProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{resolver: resolver, proxy: p, catalog: cat, primaryMint: primaryMint, logger: logger.With("component", "proxy_handler")}
}

// credentialFromRequest extracts the bearer credential and whether it was
// presented as a one-shot X-Cashu token, per spec §4.8: "Authorization:
// Bearer <credential> or X-Cashu: <token> (one-shot payment...)". X-Cashu
// takes priority when both are present, since it carries the proxy's own
// hop-by-hop token semantics.
func credentialFromRequest(r *http.Request) (bearer string, oneShot bool, err *proxyerr.Error) {
	if token := r.Header.Get("X-Cashu"); token != "" {
		return token, true, nil
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), false, nil
	}
	return "", false, proxyerr.InvalidToken("missing credential: provide Authorization: Bearer <key> or X-Cashu: <token>")
}

// dispatch resolves the credential and hands off to the proxy for the
// given upstream-relative path.
func (h *ProxyHandler) dispatch(path string, w http.ResponseWriter, r *http.Request) {
	bearer, oneShot, cerr := credentialFromRequest(r)
	if cerr != nil {
		writeError(w, h.logger, cerr)
		return
	}

	cred, err := h.resolver.Resolve(r.Context(), bearer)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	changeMint := cred.RefundMint.String
	if changeMint == "" {
		changeMint = h.primaryMint
	}
	changeUnit := cred.RefundCurrency.String
	if changeUnit == "" {
		changeUnit = "sat"
	}

	if err := h.proxy.Handle(w, r, proxy.Request{
		Credential: cred,
		Path:       path,
		OneShot:    oneShot,
		ChangeMint: changeMint,
		ChangeUnit: changeUnit,
	}); err != nil {
		writeError(w, h.logger, err)
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.dispatch("chat/completions", w, r)
}

// Embeddings handles POST /v1/embeddings.
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.dispatch("embeddings", w, r)
}

// Responses handles POST /v1/responses.
func (h *ProxyHandler) Responses(w http.ResponseWriter, r *http.Request) {
	h.dispatch("responses", w, r)
}

// Passthrough handles any other /v1/* path through the same
// credential/reservation lifecycle as the named routes. The request body
// must be a JSON object with a model field: a request without one (for
// example a GET with no body) is rejected with invalid_request_error and is
// not forwarded. The response is charged from its usage block when it has
// one, and at the full reservation when it does not.
func (h *ProxyHandler) Passthrough(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	h.dispatch(path, w, r)
}

// modelListEntry is the OpenAI-compatible shape of one /v1/models entry.
type modelListEntry struct {
	ID            string  `json:"id"`
	Object        string  `json:"object"`
	OwnedBy       string  `json:"owned_by"`
	ContextWindow int64   `json:"context_window"`
	PricingUSD    pricing `json:"pricing"`
	MaxCostUSD    float64 `json:"max_cost_usd"`
}

type pricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// ListModels handles GET /v1/models, serving C2's live catalog snapshot.
func (h *ProxyHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	all := h.catalog.AllModels()
	entries := make([]modelListEntry, 0, len(all))
	for _, m := range all {
		entries = append(entries, modelEntry(m))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": entries})
}

func modelEntry(m *models.Model) modelListEntry {
	return modelListEntry{
		ID:            m.ID,
		Object:        "model",
		OwnedBy:       m.UpstreamID,
		ContextWindow: m.ContextWindow,
		PricingUSD:    pricing{Prompt: m.USD.Prompt, Completion: m.USD.Completion},
		MaxCostUSD:    m.MaxCostUSD,
	}
}
