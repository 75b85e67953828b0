// Package catalog implements C2: a per-upstream model snapshot cache,
// refreshed on a jittered interval, with provider-fee-adjusted and
// sats-converted pricing and database override rows applied on top.
//
// Grounded on the teacher's internal/llm/registry.go (caps-cache-by-key,
// lock-free atomic swap under a narrow mutex) and
// internal/service/pricing_service.go (jittered TTL refresh loop), adapted
// from a single capability cache to a per-upstream model-list cache whose
// refresh cycle also drives max-cost and sats-pricing recalculation per
// original_source/routstr/payment/models.py's _row_to_model /
// _calculate_usd_max_costs / _update_model_sats_pricing.
package catalog

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/proxyd/internal/costengine"
	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/repository"
)

// RateSource supplies the current sats-per-USD conversion rate. Satisfied
// by *exchange.Oracle.
type RateSource interface {
	SatsPerUSD() float64
}

// Fetcher retrieves the live model list for one upstream, in the shape the
// upstream's API reports it (pre-fee, pre-sats). Concrete upstream adapters
// (C7) implement this via their fetch_models hook.
type Fetcher interface {
	FetchModels(ctx context.Context, upstream *models.Upstream) ([]*models.Model, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, upstream *models.Upstream) ([]*models.Model, error)

// FetchModels implements Fetcher.
func (f FetcherFunc) FetchModels(ctx context.Context, upstream *models.Upstream) ([]*models.Model, error) {
	return f(ctx, upstream)
}

// snapshot is one upstream's cached, fully-priced model list, swapped
// atomically under Catalog.mu on every refresh.
type snapshot struct {
	models []*models.Model
	byID   map[string]*models.Model
}

// Catalog caches every enabled upstream's model list, keeping it
// fee-adjusted, sats-priced, and override-applied. Readers never block on a
// refresh: ModelsForUpstream()/AllModels()/ModelByID() read the last
// completed snapshot.
type Catalog struct {
	upstreams   *repository.UpstreamRepository
	overrides   *repository.ModelOverrideRepository
	fetcher     Fetcher
	rates       RateSource
	costEngine  *costengine.Engine
	minReqMsat  int64
	blocklist   map[string]struct{}
	logger      *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]snapshot // upstream id -> snapshot
}

// Config configures a Catalog.
type Config struct {
	MinRequestMsat int64
	// Blocklist holds the centrally-curated excluded model ids (spec §4.2):
	// dropped from every upstream's snapshot at refresh time, before any
	// reader ever sees them.
	Blocklist []string
}

// New constructs a Catalog. The catalog is empty until the first Refresh.
func New(upstreams *repository.UpstreamRepository, overrides *repository.ModelOverrideRepository, fetcher Fetcher, rates RateSource, costEngine *costengine.Engine, cfg Config, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	minReq := cfg.MinRequestMsat
	if minReq <= 0 {
		minReq = 1
	}
	blocklist := make(map[string]struct{}, len(cfg.Blocklist))
	for _, id := range cfg.Blocklist {
		if id = strings.TrimSpace(id); id != "" {
			blocklist[id] = struct{}{}
		}
	}
	return &Catalog{
		upstreams:  upstreams,
		overrides:  overrides,
		fetcher:    fetcher,
		rates:      rates,
		costEngine: costEngine,
		minReqMsat: minReq,
		blocklist:  blocklist,
		logger:     logger.With("component", "catalog"),
		snapshots:  make(map[string]snapshot),
	}
}

// RefreshAll re-fetches every enabled upstream's model list, applies
// provider fee and override rows, recomputes max-cost and sats pricing, and
// atomically swaps each upstream's snapshot in. A single upstream's fetch
// failure logs a warning and leaves that upstream's prior snapshot intact;
// it never aborts the refresh of other upstreams.
func (c *Catalog) RefreshAll(ctx context.Context) error {
	upstreams, err := c.upstreams.ListEnabled(ctx)
	if err != nil {
		return err
	}

	satsPerUSD := 0.0
	if c.rates != nil {
		satsPerUSD = c.rates.SatsPerUSD()
	}

	for _, u := range upstreams {
		fetchedModels, err := c.refreshOne(ctx, u, satsPerUSD)
		if err != nil {
			c.logger.Warn("model refresh failed for upstream, retaining prior snapshot", "upstream", u.ID, "error", err)
			continue
		}
		c.logger.Debug("refreshed model catalog", "upstream", u.ID, "count", len(fetchedModels))
	}
	return nil
}

func (c *Catalog) refreshOne(ctx context.Context, u *models.Upstream, satsPerUSD float64) ([]*models.Model, error) {
	fetched, err := c.fetcher.FetchModels(ctx, u)
	if err != nil {
		return nil, err
	}

	overrides, err := c.overrides.ListForUpstream(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	overrideByID := make(map[string]*models.Model, len(overrides))
	for _, o := range overrides {
		overrideByID[o.ID] = o
	}

	fee := u.ProviderFee
	if fee <= 0 {
		fee = models.DefaultProviderFee(u.ProviderType)
	}

	out := make([]*models.Model, 0, len(fetched))
	byID := make(map[string]*models.Model, len(fetched))
	for _, m := range fetched {
		if _, blocked := c.blocklist[m.ID]; blocked {
			continue
		}
		if override, ok := overrideByID[m.ID]; ok {
			m = override
		} else {
			m.USD = m.USD.Scale(fee)
		}
		if !m.Enabled {
			continue
		}
		m.UpstreamID = u.ID

		if c.costEngine != nil {
			costengine.ApplyMaxCostDerivation(m, c.minReqMsat, satsPerUSD)
		}
		if satsPerUSD > 0 {
			m.Sats = m.USD.Scale(satsPerUSD)
			if m.Sats.Request <= 0 {
				m.Sats.Request = float64(c.minReqMsat) / 1000.0
			}
		}

		out = append(out, m)
		byID[m.ID] = m
	}

	c.mu.Lock()
	c.snapshots[u.ID] = snapshot{models: out, byID: byID}
	c.mu.Unlock()

	return out, nil
}

// ModelsForUpstream returns the cached models for one upstream. Disabled and
// block-listed ids are already excluded at refresh time (refreshOne), so
// every entry here is servable as-is.
func (c *Catalog) ModelsForUpstream(upstreamID string) []*models.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[upstreamID]
	if !ok {
		return nil
	}
	out := make([]*models.Model, len(snap.models))
	copy(out, snap.models)
	return out
}

// AllModels returns every cached model across every upstream. Disabled and
// block-listed ids are already excluded at refresh time.
func (c *Catalog) AllModels() []*models.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.Model
	for _, snap := range c.snapshots {
		out = append(out, snap.models...)
	}
	return out
}

// ModelByID looks up a model by its canonical id within one upstream's
// snapshot. Returns nil if the upstream has no snapshot or the id is absent.
func (c *Catalog) ModelByID(upstreamID, modelID string) *models.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[upstreamID]
	if !ok {
		return nil
	}
	return snap.byID[modelID]
}

// Run starts the periodic refresh loop, jittered ±10% per spec's ambient
// background-task convention. It blocks until ctx is canceled.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if err := c.RefreshAll(ctx); err != nil {
		c.logger.Error("initial model catalog refresh failed", "error", err)
	}

	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 5)) // up to 20% of interval, centered via -10%..+10% below
		wait := interval - interval/10 + jitter
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := c.RefreshAll(ctx); err != nil {
				c.logger.Error("model catalog refresh failed", "error", err)
			}
		}
	}
}
