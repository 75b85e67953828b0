package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmylchreest/proxyd/internal/catalog"
	"github.com/jmylchreest/proxyd/internal/costengine"
	"github.com/jmylchreest/proxyd/internal/database"
	"github.com/jmylchreest/proxyd/internal/ledger"
	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/multiplexer"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
	"github.com/jmylchreest/proxyd/internal/repository"
	"github.com/jmylchreest/proxyd/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticUpstreams []*models.Upstream

func (s staticUpstreams) ListUpstreams() []*models.Upstream { return s }

// testHarness wires a real Catalog, Multiplexer, Ledger and Registry around
// an httptest.Server standing in for a single generic upstream, the same
// construction catalog_test.go and multiplexer_test.go use for their real
// (non-mocked) Catalog/Multiplexer fixtures.
type testHarness struct {
	proxy    *Proxy
	credRepo *repository.CredentialRepository
	server   *httptest.Server
}

func newTestHarness(t *testing.T, costCfg costengine.Config, wallet ChangeIssuer, upstreamHandler http.Handler) *testHarness {
	t.Helper()
	server := httptest.NewServer(upstreamHandler)
	t.Cleanup(server.Close)

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

	up := &models.Upstream{
		ID: "generic-1", ProviderType: models.ProviderGeneric, BaseURL: server.URL,
		Enabled: true, ProviderFee: 1.0,
	}
	if err := upstreamRepo.Upsert(context.Background(), up); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}

	fetcher := catalog.FetcherFunc(func(ctx context.Context, u *models.Upstream) ([]*models.Model, error) {
		return []*models.Model{{ID: "test-model", Enabled: true, USD: models.PricingUSD{Prompt: 0.001, Completion: 0.002}}}, nil
	})
	cat := catalog.New(upstreamRepo, overrideRepo, fetcher, nil, nil, catalog.Config{MinRequestMsat: 1}, discardLogger())
	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	mux := multiplexer.New(cat, staticUpstreams{up})
	costEngine := costengine.New(costCfg, server.Client(), discardLogger())
	led := ledger.New(credRepo, txRepo, nil, discardLogger())
	registry := upstream.NewRegistry(server.Client())

	p := New(mux, costEngine, led, registry, server.Client(), wallet, discardLogger())
	return &testHarness{proxy: p, credRepo: credRepo, server: server}
}

func (h *testHarness) newCredential(t *testing.T, hash string, balanceMsats int64) *models.Credential {
	t.Helper()
	c := &models.Credential{Hash: hash, BalanceMsats: balanceMsats}
	if err := h.credRepo.Create(context.Background(), c); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	got, err := h.credRepo.Get(context.Background(), hash)
	if err != nil || got == nil {
		t.Fatalf("get credential: %v", err)
	}
	return got
}

func chatCompletionHandler(t *testing.T, promptTokens, completionTokens int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("upstream received unexpected path %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Errorf("upstream could not decode forwarded body: %v", err)
		}
		if decoded["model"] != "test-model" {
			t.Errorf("forwarded model = %v, want test-model", decoded["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "test-model",
			"usage": map[string]int64{
				"prompt_tokens":     promptTokens,
				"completion_tokens": completionTokens,
			},
		})
	})
}

func chatRequestBody(t *testing.T, maxTokens int64) []byte {
	t.Helper()
	req := map[string]any{
		"model":      "test-model",
		"messages":   []map[string]any{{"role": "user", "content": "hi"}},
		"max_tokens": maxTokens,
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return b
}

func newProxyRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// Fixed pricing with no per-token surcharge makes the reservation and the
// finalized charge both equal to the flat per-request fee, so the
// finalize/credit math is fully deterministic without depending on the
// token-estimation heuristics.
var flatFeeCfg = costengine.Config{
	FixedPricing:            true,
	FixedCostPerRequestSats: 10, // 10000 msats
	MinRequestMsat:          1000,
}

func TestProxy_Handle_NonStreamingSuccess_FinalizesAndInjectsCost(t *testing.T) {
	h := newTestHarness(t, flatFeeCfg, nil, chatCompletionHandler(t, 100, 50))
	cred := h.newCredential(t, "hash-ok", 50_000)

	body := chatRequestBody(t, 100)
	r := newProxyRequest(t, body)
	w := httptest.NewRecorder()

	if err := h.proxy.Handle(w, r, Request{Credential: cred, Path: "chat/completions"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	cost, ok := payload["cost"].(map[string]any)
	if !ok {
		t.Fatalf("response missing injected cost block: %s", w.Body.String())
	}
	if total, _ := cost["total_msats"].(float64); int64(total) != 10_000 {
		t.Errorf("cost.total_msats = %v, want 10000", cost["total_msats"])
	}
	if w.Header().Get("X-Cashu") != "" {
		t.Error("standing-key request should not receive a change token")
	}

	got, err := h.credRepo.Get(context.Background(), "hash-ok")
	if err != nil || got == nil {
		t.Fatalf("Get after Handle: %v", err)
	}
	if got.BalanceMsats != 40_000 {
		t.Errorf("BalanceMsats = %d, want 40000", got.BalanceMsats)
	}
	if got.ReservedMsats != 0 {
		t.Errorf("ReservedMsats = %d, want 0 after finalize", got.ReservedMsats)
	}
	if got.TotalSpentMsats != 10_000 {
		t.Errorf("TotalSpentMsats = %d, want 10000", got.TotalSpentMsats)
	}
}

func TestProxy_Handle_InsufficientBalance_StandingKeyReturnsInsufficientQuota(t *testing.T) {
	h := newTestHarness(t, flatFeeCfg, nil, chatCompletionHandler(t, 10, 5))
	cred := h.newCredential(t, "hash-poor", 500)

	body := chatRequestBody(t, 10)
	r := newProxyRequest(t, body)
	w := httptest.NewRecorder()

	err := h.proxy.Handle(w, r, Request{Credential: cred, Path: "chat/completions"})
	pe, ok := proxyerr.As(err)
	if !ok {
		t.Fatalf("Handle err = %v, want a *proxyerr.Error", err)
	}
	if pe.GetStatus() != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", pe.GetStatus())
	}

	got, getErr := h.credRepo.Get(context.Background(), "hash-poor")
	if getErr != nil || got == nil {
		t.Fatalf("Get: %v", getErr)
	}
	if got.BalanceMsats != 500 || got.ReservedMsats != 0 {
		t.Errorf("credential mutated on a rejected reservation: balance=%d reserved=%d", got.BalanceMsats, got.ReservedMsats)
	}
}

func TestProxy_Handle_InsufficientBalance_OneShotReturnsMinimumBalanceRequired(t *testing.T) {
	h := newTestHarness(t, flatFeeCfg, nil, chatCompletionHandler(t, 10, 5))
	cred := h.newCredential(t, "hash-oneshot-poor", 500)

	body := chatRequestBody(t, 10)
	r := newProxyRequest(t, body)
	w := httptest.NewRecorder()

	err := h.proxy.Handle(w, r, Request{Credential: cred, Path: "chat/completions", OneShot: true})
	pe, ok := proxyerr.As(err)
	if !ok {
		t.Fatalf("Handle err = %v, want a *proxyerr.Error", err)
	}
	if pe.GetStatus() != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", pe.GetStatus())
	}
}

func TestProxy_Handle_OneShotSuccess_IssuesChangeTokenForLeftoverBalance(t *testing.T) {
	// Mirrors the spec's change-token scenario: a 1000-sat one-shot token is
	// redeemed and fully credited to this ephemeral credential up front, a
	// large max_tokens is declared (driving a larger reservation hold), but
	// the upstream only reports 1 actual completion token, so the real
	// charge is tiny (10 msat, rounded up to 1 sat = 1000 msat) and the
	// change token carries the rest: 1,000,000 - 1,000 = 999,000 msat, i.e.
	// 999 sats. The change is computed from the credited balance net of the
	// actual (sat-rounded) charge, not from the unspent reservation hold.
	cfg := costengine.Config{
		FixedPricing:         true,
		FixedPer1kOutputSats: 0.01,
		MinRequestMsat:       1,
	}
	wallet := &fakeChangeIssuer{token: "cashuBchangeTokenABC"}
	h := newTestHarness(t, cfg, wallet, chatCompletionHandler(t, 1, 1))
	cred := h.newCredential(t, "hash-oneshot-ok", 1_000_000)

	body := chatRequestBody(t, 100_000)
	r := newProxyRequest(t, body)
	w := httptest.NewRecorder()

	if err := h.proxy.Handle(w, r, Request{Credential: cred, Path: "chat/completions", OneShot: true, ChangeMint: "https://mint.example", ChangeUnit: "sat"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := w.Header().Get("X-Cashu"); got != wallet.token {
		t.Errorf("X-Cashu = %q, want %q", got, wallet.token)
	}
	if wallet.calls != 1 {
		t.Errorf("SendToken called %d times, want 1", wallet.calls)
	}
	if wallet.lastAmount != 999_000 {
		t.Errorf("SendToken amount = %d, want 999000 (999 sats)", wallet.lastAmount)
	}

	got, err := h.credRepo.Get(context.Background(), "hash-oneshot-ok")
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ReservedMsats != 0 {
		t.Errorf("ReservedMsats = %d, want 0 after finalize", got.ReservedMsats)
	}
	if got.TotalSpentMsats != 10 {
		t.Errorf("TotalSpentMsats = %d, want 10 (the actual, unrounded charge)", got.TotalSpentMsats)
	}
}

func TestProxy_Handle_UpstreamErrorRevertsReservation(t *testing.T) {
	failingUpstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "invalid api key"}})
	})
	h := newTestHarness(t, flatFeeCfg, nil, failingUpstream)
	cred := h.newCredential(t, "hash-upstream-fail", 50_000)

	body := chatRequestBody(t, 10)
	r := newProxyRequest(t, body)
	w := httptest.NewRecorder()

	err := h.proxy.Handle(w, r, Request{Credential: cred, Path: "chat/completions"})
	if _, ok := proxyerr.As(err); !ok {
		t.Fatalf("Handle err = %v, want a *proxyerr.Error", err)
	}

	got, getErr := h.credRepo.Get(context.Background(), "hash-upstream-fail")
	if getErr != nil || got == nil {
		t.Fatalf("Get: %v", getErr)
	}
	if got.BalanceMsats != 50_000 || got.ReservedMsats != 0 {
		t.Errorf("reservation not reverted on upstream error: balance=%d reserved=%d", got.BalanceMsats, got.ReservedMsats)
	}
}

func TestProxy_Handle_UnknownModelReturnsInvalidModel(t *testing.T) {
	h := newTestHarness(t, flatFeeCfg, nil, chatCompletionHandler(t, 1, 1))
	cred := h.newCredential(t, "hash-unknown-model", 50_000)

	body, _ := json.Marshal(map[string]any{"model": "does-not-exist", "messages": []map[string]any{{"role": "user", "content": "hi"}}})
	r := newProxyRequest(t, body)
	w := httptest.NewRecorder()

	err := h.proxy.Handle(w, r, Request{Credential: cred, Path: "chat/completions"})
	pe, ok := proxyerr.As(err)
	if !ok {
		t.Fatalf("Handle err = %v, want a *proxyerr.Error", err)
	}
	if pe.GetStatus() != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an unresolvable model", pe.GetStatus())
	}
}

type fakeChangeIssuer struct {
	token      string
	calls      int
	lastAmount int64
}

func (f *fakeChangeIssuer) SendToken(ctx context.Context, amountMsat int64, unit, mint string) (string, error) {
	f.calls++
	f.lastAmount = amountMsat
	return f.token, nil
}
