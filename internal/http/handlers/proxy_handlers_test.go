package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmylchreest/proxyd/internal/catalog"
	"github.com/jmylchreest/proxyd/internal/costengine"
	"github.com/jmylchreest/proxyd/internal/database"
	"github.com/jmylchreest/proxyd/internal/ledger"
	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/multiplexer"
	"github.com/jmylchreest/proxyd/internal/paymethod"
	"github.com/jmylchreest/proxyd/internal/proxy"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
	"github.com/jmylchreest/proxyd/internal/repository"
	"github.com/jmylchreest/proxyd/internal/upstream"
)

// staticUpstreamLister adapts a fixed set of upstreams to
// multiplexer.UpstreamLister for these handler tests.
type staticUpstreamLister []*models.Upstream

func (s staticUpstreamLister) ListUpstreams() []*models.Upstream { return s }

func TestCredentialFromRequest_PrefersXCashuOverBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("X-Cashu", "cashuAtoken")
	r.Header.Set("Authorization", "Bearer sk-standing")

	bearer, oneShot, err := credentialFromRequest(r)
	if err != nil {
		t.Fatalf("credentialFromRequest: %v", err)
	}
	if bearer != "cashuAtoken" || !oneShot {
		t.Errorf("got (%q, %v), want (cashuAtoken, true)", bearer, oneShot)
	}
}

func TestCredentialFromRequest_FallsBackToBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-standing")

	bearer, oneShot, err := credentialFromRequest(r)
	if err != nil {
		t.Fatalf("credentialFromRequest: %v", err)
	}
	if bearer != "sk-standing" || oneShot {
		t.Errorf("got (%q, %v), want (sk-standing, false)", bearer, oneShot)
	}
}

func TestCredentialFromRequest_NeitherHeaderIsInvalidToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	_, _, err := credentialFromRequest(r)
	if err == nil {
		t.Fatal("credentialFromRequest: want an error when no credential header is present")
	}
	if _, ok := proxyerr.As(err); !ok {
		t.Errorf("err = %v, want a *proxyerr.Error", err)
	}
}

func TestProxyHandler_ListModels_ServesCatalogSnapshot(t *testing.T) {
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.MigrateWithLogger(db, discardLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	upstreamRepo := repository.NewUpstreamRepository(db, nil)
	overrideRepo := repository.NewModelOverrideRepository(db)
	up := &models.Upstream{ID: "u1", ProviderType: models.ProviderGeneric, BaseURL: "https://u1", Enabled: true, ProviderFee: 1}
	if err := upstreamRepo.Upsert(context.Background(), up); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}
	fetcher := catalog.FetcherFunc(func(ctx context.Context, u *models.Upstream) ([]*models.Model, error) {
		return []*models.Model{{ID: "m1", Enabled: true, ContextWindow: 4096, USD: models.PricingUSD{Prompt: 0.001, Completion: 0.002}}}, nil
	})
	cat := catalog.New(upstreamRepo, overrideRepo, fetcher, nil, nil, catalog.Config{MinRequestMsat: 1}, discardLogger())
	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	h := NewProxyHandler(nil, nil, cat, "", discardLogger())
	w := httptest.NewRecorder()
	h.ListModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	var decoded struct {
		Data []modelListEntry `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(decoded.Data) != 1 || decoded.Data[0].ID != "m1" {
		t.Fatalf("Data = %+v, want one entry with ID m1", decoded.Data)
	}
}

func TestProxyHandler_ChatCompletions_StandingKeyEndToEnd(t *testing.T) {
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "model": "m1",
			"usage": map[string]int64{"prompt_tokens": 5, "completion_tokens": 5},
		})
	}))
	t.Cleanup(upstreamServer.Close)

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.MigrateWithLogger(db, discardLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	upstreamRepo := repository.NewUpstreamRepository(db, nil)
	overrideRepo := repository.NewModelOverrideRepository(db)
	credRepo := repository.NewCredentialRepository(db)
	txRepo := repository.NewLedgerTxRepository(db)

	up := &models.Upstream{ID: "u1", ProviderType: models.ProviderGeneric, BaseURL: upstreamServer.URL, Enabled: true, ProviderFee: 1}
	if err := upstreamRepo.Upsert(context.Background(), up); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}
	fetcher := catalog.FetcherFunc(func(ctx context.Context, u *models.Upstream) ([]*models.Model, error) {
		return []*models.Model{{ID: "m1", Enabled: true}}, nil
	})
	cat := catalog.New(upstreamRepo, overrideRepo, fetcher, nil, nil, catalog.Config{MinRequestMsat: 1}, discardLogger())
	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	mux := multiplexer.New(cat, staticUpstreamLister{up})
	costEngine := costengine.New(costengine.Config{FixedPricing: true, FixedCostPerRequestSats: 10, MinRequestMsat: 1000}, upstreamServer.Client(), discardLogger())
	led := ledger.New(credRepo, txRepo, nil, discardLogger())
	registry := upstream.NewRegistry(upstreamServer.Client())
	prox := proxy.New(mux, costEngine, led, registry, upstreamServer.Client(), nil, discardLogger())

	resolver := paymethod.New(credRepo, nil, led, paymethod.Config{}, discardLogger())

	bearer := "sk-test-key"
	sum := sha256.Sum256([]byte(bearer))
	hash := hex.EncodeToString(sum[:])
	if err := credRepo.Create(context.Background(), &models.Credential{Hash: hash, BalanceMsats: 50_000}); err != nil {
		t.Fatalf("create credential: %v", err)
	}

	h := NewProxyHandler(resolver, prox, cat, "", discardLogger())

	body := []byte(`{"model":"m1","messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	h.ChatCompletions(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["cost"]; !ok {
		t.Errorf("response missing injected cost block: %s", w.Body.String())
	}

	got, err := credRepo.Get(context.Background(), hash)
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BalanceMsats != 40_000 {
		t.Errorf("BalanceMsats = %d, want 40000", got.BalanceMsats)
	}
}

func TestProxyHandler_ChatCompletions_UnknownKeyReturnsInvalidToken(t *testing.T) {
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.MigrateWithLogger(db, discardLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	credRepo := repository.NewCredentialRepository(db)
	txRepo := repository.NewLedgerTxRepository(db)
	led := ledger.New(credRepo, txRepo, nil, discardLogger())
	resolver := paymethod.New(credRepo, nil, led, paymethod.Config{}, discardLogger())

	h := NewProxyHandler(resolver, nil, nil, "", discardLogger())
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-does-not-exist")
	w := httptest.NewRecorder()

	h.ChatCompletions(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for an unknown api key", w.Code)
	}
}
