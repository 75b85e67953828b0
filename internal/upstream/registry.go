package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/repository"
)

// constructors maps a provider type to the constructor for its adapter.
// Adding a new provider type to models.ProviderType means adding one line
// here.
var constructors = map[models.ProviderType]func(*models.Upstream, *http.Client) Adapter{
	models.ProviderOpenAI:     func(u *models.Upstream, c *http.Client) Adapter { return NewOpenAI(u, c) },
	models.ProviderAnthropic:  func(u *models.Upstream, c *http.Client) Adapter { return NewAnthropic(u, c) },
	models.ProviderOpenRouter: func(u *models.Upstream, c *http.Client) Adapter { return NewOpenRouter(u, c) },
	models.ProviderAzure:      func(u *models.Upstream, c *http.Client) Adapter { return NewAzure(u, c) },
	models.ProviderOllama:     func(u *models.Upstream, c *http.Client) Adapter { return NewOllama(u, c) },
	models.ProviderGroq:       func(u *models.Upstream, c *http.Client) Adapter { return NewGroq(u, c) },
	models.ProviderFireworks:  func(u *models.Upstream, c *http.Client) Adapter { return NewFireworks(u, c) },
	models.ProviderPerplexity: func(u *models.Upstream, c *http.Client) Adapter { return NewPerplexity(u, c) },
	models.ProviderXAI:        func(u *models.Upstream, c *http.Client) Adapter { return NewXAI(u, c) },
	models.ProviderGemini:     func(u *models.Upstream, c *http.Client) Adapter { return NewGemini(u, c) },
	models.ProviderPPQAI:      func(u *models.Upstream, c *http.Client) Adapter { return NewPPQAI(u, c) },
	models.ProviderGeneric:    func(u *models.Upstream, c *http.Client) Adapter { return NewGeneric(u, c) },
	models.ProviderCustom:     func(u *models.Upstream, c *http.Client) Adapter { return NewCustom(u, c) },
}

// For dispatches an already-configured upstream to its adapter, selecting
// the constructor by u.ProviderType.
func For(u *models.Upstream, client *http.Client) (Adapter, error) {
	ctor, ok := constructors[u.ProviderType]
	if !ok {
		return nil, fmt.Errorf("upstream: no adapter registered for provider type %q", u.ProviderType)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return ctor(u, client), nil
}

// Registry adapts For into catalog.Fetcher: the catalog holds a single
// shared Fetcher across every upstream (internal/catalog.Catalog.fetcher),
// so dispatch by provider type has to happen on this side rather than the
// catalog's.
type Registry struct {
	client *http.Client
}

// NewRegistry constructs a Registry. A nil client uses http.DefaultClient.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{client: client}
}

// FetchModels implements catalog.Fetcher.
func (r *Registry) FetchModels(ctx context.Context, u *models.Upstream) ([]*models.Model, error) {
	adapter, err := For(u, r.client)
	if err != nil {
		return nil, err
	}
	return adapter.FetchModels(ctx)
}

// Adapter builds the adapter for one upstream, for C8's per-request dispatch.
func (r *Registry) Adapter(u *models.Upstream) (Adapter, error) {
	return For(u, r.client)
}

// Cache is a cheap-to-read, periodically-refreshed snapshot of every
// enabled upstream, satisfying multiplexer.UpstreamLister's synchronous,
// no-context, no-error contract — the multiplexer resolves models on the
// hot request path and must never block on a database round trip.
//
// Grounded on internal/catalog.Catalog's own snapshot-swap pattern: readers
// take an RLock only long enough to copy the slice header, and the
// refresher swaps in a freshly built slice under a narrow write lock.
type Cache struct {
	repo   *repository.UpstreamRepository
	logger *slog.Logger

	mu   sync.RWMutex
	list []*models.Upstream
}

// NewCache constructs an empty Cache; call Refresh (or Run) before first use.
func NewCache(repo *repository.UpstreamRepository, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{repo: repo, logger: logger.With("component", "upstream_cache")}
}

// ListUpstreams implements multiplexer.UpstreamLister.
func (c *Cache) ListUpstreams() []*models.Upstream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list
}

// Refresh reloads the enabled-upstream list from the database and swaps it
// in atomically.
func (c *Cache) Refresh(ctx context.Context) error {
	list, err := c.repo.ListEnabled(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.list = list
	c.mu.Unlock()
	return nil
}

// Run starts the periodic refresh loop, jittered the same ±10% way as
// internal/catalog.Catalog.Run. It blocks until ctx is canceled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("initial upstream cache refresh failed", "error", err)
	}

	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 5))
		wait := interval - interval/10 + jitter
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("upstream cache refresh failed", "error", err)
			}
		}
	}
}
