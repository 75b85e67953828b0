// Package exchange implements C1, the exchange-rate oracle: a periodic
// fan-out to public venues that caches the conservative (maximum) USD/BTC
// bid price, exposed synchronously to the model catalog and cost engine.
//
// Grounded on the teacher's internal/service/pricing_service.go — the
// mutex-guarded cache + TTL-refresh-on-access idiom — adapted from a
// single-venue pull to a three-venue fan-out-and-max, per spec §4.1.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Venue is one external price source.
type Venue struct {
	Name string
	URL  string
	// Parse extracts a USD/BTC price from the venue's raw JSON response body.
	Parse func([]byte) (float64, error)
}

var defaultVenues = []Venue{
	{Name: "kraken", URL: "https://api.kraken.com/0/public/Ticker?pair=XBTUSD", Parse: parseKraken},
	{Name: "coinbase", URL: "https://api.coinbase.com/v2/prices/BTC-USD/spot", Parse: parseCoinbase},
	{Name: "binance", URL: "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT", Parse: parseBinance},
}

func parseKraken(body []byte) (float64, error) {
	var resp struct {
		Result map[string]struct {
			A []string `json:"a"` // ask: [price, whole lot volume, lot volume]
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	for _, pair := range resp.Result {
		if len(pair.A) > 0 {
			return strconv.ParseFloat(pair.A[0], 64)
		}
	}
	return 0, fmt.Errorf("kraken: no ticker data in response")
}

func parseCoinbase(body []byte) (float64, error) {
	var resp struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Data.Amount, 64)
}

func parseBinance(body []byte) (float64, error) {
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Price, 64)
}

// Oracle fans out to multiple venues and caches the conservative (max)
// USD/BTC price. Single writer (Refresh), many readers (USDPerBTC/SatsPerUSD).
type Oracle struct {
	venues     []Venue
	httpClient *http.Client
	logger     *slog.Logger

	exchangeFee float64

	mu          sync.RWMutex
	lastUSDBTC  float64
	lastRefresh time.Time
}

// Config configures an Oracle.
type Config struct {
	Venues       []Venue // nil uses the default Kraken/Coinbase/Binance set
	FetchTimeout time.Duration
	ExchangeFee  float64 // multiplicative markup applied before exposure, default 1.005
}

// New constructs an Oracle. It holds no value until the first Refresh call.
func New(cfg Config, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	venues := cfg.Venues
	if venues == nil {
		venues = defaultVenues
	}
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	fee := cfg.ExchangeFee
	if fee == 0 {
		fee = 1.005
	}
	return &Oracle{
		venues:      venues,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With("component", "exchange"),
		exchangeFee: fee,
	}
}

// Refresh fetches every venue concurrently and caches the maximum of the
// successful responses (conservative, ask-side worst-case for the user). A
// venue failure is logged and excluded; if every venue fails, the last
// known value is retained and a warning is emitted.
func (o *Oracle) Refresh(ctx context.Context) error {
	type result struct {
		venue string
		price float64
		err   error
	}

	results := make(chan result, len(o.venues))
	for _, v := range o.venues {
		go func(v Venue) {
			price, err := o.fetchOne(ctx, v)
			results <- result{venue: v.Name, price: price, err: err}
		}(v)
	}

	var max float64
	var ok int
	for range o.venues {
		r := <-results
		if r.err != nil {
			o.logger.Warn("exchange venue fetch failed", "venue", r.venue, "error", r.err)
			continue
		}
		if r.price > max {
			max = r.price
		}
		ok++
	}

	if ok == 0 {
		o.mu.RLock()
		had := o.lastUSDBTC > 0
		o.mu.RUnlock()
		if had {
			o.logger.Warn("all exchange venues failed, retaining last-known rate")
			return nil
		}
		return fmt.Errorf("exchange: all %d venues failed and no cached rate exists", len(o.venues))
	}

	o.mu.Lock()
	o.lastUSDBTC = max
	o.lastRefresh = time.Now()
	o.mu.Unlock()

	o.logger.Debug("exchange rate refreshed", "usd_per_btc", max, "venues_ok", ok, "venues_total", len(o.venues))
	return nil
}

func (o *Oracle) fetchOne(ctx context.Context, v Venue) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s: status %d", v.Name, resp.StatusCode)
	}
	return v.Parse(body)
}

// USDPerBTC returns the cached rate with the exchange fee applied — the
// effective price the node is willing to honor. Zero until the first
// successful Refresh.
func (o *Oracle) USDPerBTC() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastUSDBTC * o.exchangeFee
}

// SatsPerUSD returns how many sats one USD buys at the current cached
// rate: (1e8 / USD-per-BTC). Zero (not infinity) if no rate is cached yet,
// so callers must check before dividing.
func (o *Oracle) SatsPerUSD() float64 {
	usdPerBTC := o.USDPerBTC()
	if usdPerBTC <= 0 {
		return 0
	}
	return 100_000_000 / usdPerBTC
}

// LastRefresh reports when the cache was last successfully updated.
func (o *Oracle) LastRefresh() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastRefresh
}

// Run starts the periodic refresh loop. It blocks until ctx is canceled,
// and an in-flight fetch is bounded by the oracle's configured HTTP
// timeout, satisfying the shutdown requirement that periodic tasks exit
// within one in-flight HTTP timeout window.
func (o *Oracle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if err := o.Refresh(ctx); err != nil {
		o.logger.Error("initial exchange rate fetch failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Refresh(ctx); err != nil {
				o.logger.Error("exchange rate refresh failed", "error", err)
			}
		}
	}
}
