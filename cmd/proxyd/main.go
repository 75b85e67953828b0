// Package main is the entry point for the proxyd server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jmylchreest/proxyd/internal/catalog"
	"github.com/jmylchreest/proxyd/internal/config"
	"github.com/jmylchreest/proxyd/internal/costengine"
	"github.com/jmylchreest/proxyd/internal/crypto"
	"github.com/jmylchreest/proxyd/internal/database"
	"github.com/jmylchreest/proxyd/internal/exchange"
	"github.com/jmylchreest/proxyd/internal/http/handlers"
	"github.com/jmylchreest/proxyd/internal/http/mw"
	"github.com/jmylchreest/proxyd/internal/ledger"
	"github.com/jmylchreest/proxyd/internal/logging"
	"github.com/jmylchreest/proxyd/internal/multiplexer"
	"github.com/jmylchreest/proxyd/internal/paymethod"
	"github.com/jmylchreest/proxyd/internal/proxy"
	"github.com/jmylchreest/proxyd/internal/repository"
	"github.com/jmylchreest/proxyd/internal/upstream"
	"github.com/jmylchreest/proxyd/internal/version"
	"github.com/jmylchreest/proxyd/internal/walletstub"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting proxyd",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	schemaVersion, err := database.GetLatestSchemaVersion(db)
	if err != nil {
		logger.Warn("failed to get schema version", "error", err)
	} else if schemaVersion != "" {
		migrationCount, _ := database.GetMigrationCount(db)
		logger.Info("database schema ready", "schema_version", schemaVersion, "migrations_applied", migrationCount)
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize credential encryptor", "error", err)
		os.Exit(1)
	}

	// Repositories (C1-C7's persistence surface)
	credentialRepo := repository.NewCredentialRepository(db)
	ledgerTxRepo := repository.NewLedgerTxRepository(db)
	overrideRepo := repository.NewModelOverrideRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	upstreamRepo := repository.NewUpstreamRepository(db, encryptor)

	wallet := walletstub.New()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	// C1: exchange-rate oracle
	oracle := exchange.New(exchange.Config{
		FetchTimeout: cfg.ExchangeFetchTimeout,
		ExchangeFee:  cfg.ExchangeFee,
	}, logger)
	if err := oracle.Refresh(context.Background()); err != nil {
		logger.Warn("initial exchange rate refresh failed, starting with no cached rate", "error", err)
	}

	// C7: upstream registry (adapter lookup) and cache (enabled-upstream snapshot)
	registry := upstream.NewRegistry(httpClient)
	upstreamCache := upstream.NewCache(upstreamRepo, logger)
	if err := upstreamCache.Refresh(context.Background()); err != nil {
		logger.Warn("initial upstream cache refresh failed", "error", err)
	}

	// C4: cost engine
	costEngine := costengine.New(costengine.Config{
		FixedPricing:            cfg.FixedPricing,
		FixedCostPerRequestSats: cfg.FixedCostPerRequestSats,
		FixedPer1kInputSats:     cfg.FixedPer1kInputSats,
		FixedPer1kOutputSats:    cfg.FixedPer1kOutputSats,
		MinRequestMsat:          cfg.MinRequestMsat,
		TolerancePercentage:     cfg.TolerancePercentage,
	}, httpClient, logger)

	// C2: model catalog, backed by the registry's FetchModels and the oracle's rate
	modelCatalog := catalog.New(upstreamRepo, overrideRepo, registry, oracle, costEngine, catalog.Config{
		MinRequestMsat: cfg.MinRequestMsat,
		Blocklist:      cfg.ModelBlocklist,
	}, logger)
	if err := modelCatalog.RefreshAll(context.Background()); err != nil {
		logger.Warn("initial catalog refresh failed", "error", err)
	}

	// C3: model multiplexer
	mux := multiplexer.New(modelCatalog, upstreamCache)

	// C5: balance ledger
	led := ledger.New(credentialRepo, ledgerTxRepo, wallet, logger)

	// C6: payment-method resolver
	resolver := paymethod.New(credentialRepo, wallet, led, paymethod.Config{
		TrustedMints:     cfg.CashuMints,
		PrimaryMint:      cfg.PrimaryMint,
		ChildKeyCostMsat: cfg.ChildKeyCostMsat,
	}, logger)

	// C8: streaming proxy orchestrator
	prox := proxy.New(mux, costEngine, led, registry, httpClient, wallet, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go oracle.Run(ctx, cfg.ExchangeRefreshInterval)
	go upstreamCache.Run(ctx, cfg.CatalogRefreshInterval)
	go modelCatalog.Run(ctx, cfg.CatalogRefreshInterval)

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(mw.APIVersion())
	router.Use(mw.Timeout(mw.TimeoutConfig{
		Default:  30 * time.Second,
		Extended: 5 * time.Minute,
		// Chat/embeddings/responses calls wait on upstream inference.
		ExtendedPatterns: []string{"/v1/chat/completions", "/v1/embeddings", "/v1/responses"},
		// SSE streaming has no timeout; the client disconnect ends it.
		SkipPatterns: []string{"/v1/chat/completions", "/v1/responses"},
	}))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Cashu", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Cashu", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(middleware.RequestSize(16 << 20))
	router.Use(mw.RateLimitByIP(300))

	humaConfig := huma.DefaultConfig("proxyd", v.Version)
	humaConfig.Info.Description = "Paid inference reverse-proxy gateway: ecash-metered access to OpenAI-compatible chat, embeddings and responses endpoints across any configured upstream."
	humaConfig.Servers = []*huma.Server{
		{URL: cfg.BaseURL, Description: "API Server"},
	}
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {
			Type:        "http",
			Scheme:      "bearer",
			Description: "Standing-key authentication. Include the key issued for a credential as `Authorization: Bearer <key>`.",
		},
	}
	api := humachi.New(router, humaConfig)

	hiddenConfig := huma.DefaultConfig("proxyd", v.Version)
	hiddenConfig.DocsPath = ""
	hiddenConfig.OpenAPIPath = ""
	hiddenConfig.SchemasPath = ""
	hiddenAPI := humachi.New(router, hiddenConfig)

	huma.Get(hiddenAPI, "/healthz", func(_ context.Context, _ *struct{}) (*struct{}, error) {
		return nil, nil
	})

	// Admin API: upstream/model-override/settings management.
	adminHandler := handlers.NewAdminHandler(upstreamRepo, overrideRepo, settingsRepo, modelCatalog, logger)
	router.Group(func(r chi.Router) {
		adminAPI := humachi.New(r, humaConfig)
		huma.Get(adminAPI, "/admin/upstreams", adminHandler.ListUpstreams)
		huma.Put(adminAPI, "/admin/upstreams", adminHandler.UpsertUpstream)
		huma.Delete(adminAPI, "/admin/upstreams/{id}", adminHandler.DeleteUpstream)
		huma.Post(adminAPI, "/admin/catalog/refresh", adminHandler.RefreshCatalog)
		huma.Get(adminAPI, "/admin/upstreams/{upstream_id}/overrides", adminHandler.ListModelOverrides)
		huma.Put(adminAPI, "/admin/upstreams/{upstream_id}/overrides", adminHandler.UpsertModelOverride)
		huma.Delete(adminAPI, "/admin/upstreams/{upstream_id}/overrides/{model_id}", adminHandler.DeleteModelOverride)
		huma.Get(adminAPI, "/admin/settings", adminHandler.ListSettings)
		huma.Put(adminAPI, "/admin/settings/{key}", adminHandler.SetSetting)
	})

	// Client-facing inference surface. Raw chi routes, not Huma: the
	// streaming branch (C8) needs direct control over the ResponseWriter
	// that Huma's buffered response model doesn't give it.
	proxyHandler := handlers.NewProxyHandler(resolver, prox, modelCatalog, cfg.PrimaryMint, logger)
	router.Get("/v1/models", proxyHandler.ListModels)
	router.Post("/v1/chat/completions", proxyHandler.ChatCompletions)
	router.Post("/v1/embeddings", proxyHandler.Embeddings)
	router.Post("/v1/responses", proxyHandler.Responses)
	router.HandleFunc("/v1/*", proxyHandler.Passthrough)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
