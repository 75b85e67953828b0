package catalog

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/jmylchreest/proxyd/internal/costengine"
	"github.com/jmylchreest/proxyd/internal/database"
	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.MigrateWithLogger(db, discardLogger()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

type fakeRates struct{ sats float64 }

func (f fakeRates) SatsPerUSD() float64 { return f.sats }

func TestCatalog_RefreshAll_AppliesProviderFeeAndSats(t *testing.T) {
	db := testDB(t)
	upstreamRepo := repository.NewUpstreamRepository(db, nil)
	overrideRepo := repository.NewModelOverrideRepository(db)

	u := &models.Upstream{ID: "openai-1", ProviderType: models.ProviderOpenAI, BaseURL: "https://api.openai.com/v1", Enabled: true, ProviderFee: 1.01}
	if err := upstreamRepo.Upsert(context.Background(), u); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}

	fetcher := FetcherFunc(func(ctx context.Context, up *models.Upstream) ([]*models.Model, error) {
		return []*models.Model{{ID: "gpt-4o", ContextWindow: 128000, USD: models.PricingUSD{Prompt: 0.000005, Completion: 0.00002}, Enabled: true}}, nil
	})

	ce := costengine.New(costengine.Config{MinRequestMsat: 1000}, nil, discardLogger())
	cat := New(upstreamRepo, overrideRepo, fetcher, fakeRates{sats: 2000}, ce, Config{MinRequestMsat: 1000}, discardLogger())

	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}

	got := cat.ModelByID("openai-1", "gpt-4o")
	if got == nil {
		t.Fatal("ModelByID() = nil, want cached model")
	}
	// Computed at run time, as the catalog does, so the float64 rounding
	// matches (the constant expression 0.000005*1.01 is exact, the product is not).
	fee := 1.01
	wantPrompt := 0.000005 * fee
	if got.USD.Prompt != wantPrompt {
		t.Errorf("USD.Prompt = %v, want %v (fee applied)", got.USD.Prompt, wantPrompt)
	}
	if got.Sats.Prompt != wantPrompt*2000 {
		t.Errorf("Sats.Prompt = %v, want %v", got.Sats.Prompt, wantPrompt*2000)
	}
	if got.MaxCostUSD <= 0 {
		t.Errorf("MaxCostUSD = %v, want > 0 after derivation", got.MaxCostUSD)
	}
}

func TestCatalog_RefreshAll_OverrideReplacesFetchedModel(t *testing.T) {
	db := testDB(t)
	upstreamRepo := repository.NewUpstreamRepository(db, nil)
	overrideRepo := repository.NewModelOverrideRepository(db)

	u := &models.Upstream{ID: "openai-1", ProviderType: models.ProviderOpenAI, BaseURL: "https://api.openai.com/v1", Enabled: true, ProviderFee: 1.01}
	if err := upstreamRepo.Upsert(context.Background(), u); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}
	override := &models.Model{ID: "gpt-4o", UpstreamID: "openai-1", USD: models.PricingUSD{Prompt: 0.1, Completion: 0.2}, Enabled: true}
	if err := overrideRepo.Upsert(context.Background(), override); err != nil {
		t.Fatalf("upsert override: %v", err)
	}

	fetcher := FetcherFunc(func(ctx context.Context, up *models.Upstream) ([]*models.Model, error) {
		return []*models.Model{{ID: "gpt-4o", USD: models.PricingUSD{Prompt: 0.000005, Completion: 0.00002}, Enabled: true}}, nil
	})

	cat := New(upstreamRepo, overrideRepo, fetcher, fakeRates{sats: 0}, nil, Config{MinRequestMsat: 1000}, discardLogger())
	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}

	got := cat.ModelByID("openai-1", "gpt-4o")
	if got == nil || got.USD.Prompt != 0.1 {
		t.Fatalf("ModelByID() = %+v, want override pricing (0.1)", got)
	}
}

func TestCatalog_RefreshAll_OneUpstreamFailureKeepsOthers(t *testing.T) {
	db := testDB(t)
	upstreamRepo := repository.NewUpstreamRepository(db, nil)
	overrideRepo := repository.NewModelOverrideRepository(db)

	good := &models.Upstream{ID: "good", ProviderType: models.ProviderOpenAI, BaseURL: "https://good", Enabled: true, ProviderFee: 1.0}
	bad := &models.Upstream{ID: "bad", ProviderType: models.ProviderOpenAI, BaseURL: "https://bad", Enabled: true, ProviderFee: 1.0}
	for _, u := range []*models.Upstream{good, bad} {
		if err := upstreamRepo.Upsert(context.Background(), u); err != nil {
			t.Fatalf("upsert upstream: %v", err)
		}
	}

	fetcher := FetcherFunc(func(ctx context.Context, up *models.Upstream) ([]*models.Model, error) {
		if up.ID == "bad" {
			return nil, sql.ErrConnDone
		}
		return []*models.Model{{ID: "m1", USD: models.PricingUSD{Prompt: 0.001}, Enabled: true}}, nil
	})

	cat := New(upstreamRepo, overrideRepo, fetcher, fakeRates{}, nil, Config{MinRequestMsat: 1}, discardLogger())
	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}

	if got := cat.ModelByID("good", "m1"); got == nil {
		t.Error("ModelByID(good) = nil, want cached model despite bad upstream failing")
	}
	if got := cat.ModelsForUpstream("bad"); got != nil {
		t.Errorf("ModelsForUpstream(bad) = %v, want nil (never successfully fetched)", got)
	}
}

func TestCatalog_AllModels_FiltersDisabled(t *testing.T) {
	db := testDB(t)
	upstreamRepo := repository.NewUpstreamRepository(db, nil)
	overrideRepo := repository.NewModelOverrideRepository(db)
	u := &models.Upstream{ID: "u1", ProviderType: models.ProviderOpenAI, BaseURL: "https://x", Enabled: true, ProviderFee: 1.0}
	if err := upstreamRepo.Upsert(context.Background(), u); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}
	fetcher := FetcherFunc(func(ctx context.Context, up *models.Upstream) ([]*models.Model, error) {
		return []*models.Model{
			{ID: "enabled-model", Enabled: true},
			{ID: "disabled-model", Enabled: false},
		}, nil
	})
	cat := New(upstreamRepo, overrideRepo, fetcher, fakeRates{}, nil, Config{MinRequestMsat: 1}, discardLogger())
	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	all := cat.AllModels()
	if len(all) != 1 || all[0].ID != "enabled-model" {
		t.Errorf("AllModels() = %v, want only the enabled model", all)
	}
}

func TestCatalog_RefreshAll_DropsBlocklistedModels(t *testing.T) {
	db := testDB(t)
	upstreamRepo := repository.NewUpstreamRepository(db, nil)
	overrideRepo := repository.NewModelOverrideRepository(db)
	u := &models.Upstream{ID: "u1", ProviderType: models.ProviderOpenAI, BaseURL: "https://x", Enabled: true, ProviderFee: 1.0}
	if err := upstreamRepo.Upsert(context.Background(), u); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}
	fetcher := FetcherFunc(func(ctx context.Context, up *models.Upstream) ([]*models.Model, error) {
		return []*models.Model{
			{ID: "allowed-model", Enabled: true},
			{ID: "blocked-model", Enabled: true},
		}, nil
	})
	cat := New(upstreamRepo, overrideRepo, fetcher, fakeRates{}, nil, Config{
		MinRequestMsat: 1,
		Blocklist:      []string{"blocked-model"},
	}, discardLogger())
	if err := cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}

	all := cat.AllModels()
	if len(all) != 1 || all[0].ID != "allowed-model" {
		t.Errorf("AllModels() = %v, want only the non-blocklisted model", all)
	}
	if cat.ModelByID("u1", "blocked-model") != nil {
		t.Errorf("ModelByID(blocked-model) returned a model, want nil (dropped at refresh time)")
	}
}
