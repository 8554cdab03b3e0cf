package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/httputil"
)

// coinGeckoIDToSymbol maps CoinGecko coin IDs to token and native symbols.
var coinGeckoIDToSymbol = map[string]string{
	"tether":                  "USDT",
	"usd-coin":                "USDC",
	"binancecoin":             "BNB",
	"ethereum":                "ETH",
	"polygon-ecosystem-token": "POL",
}

// stablecoins are priced at the peg when the feed is off or unreachable.
var stablecoins = map[string]bool{"USDT": true, "USDC": true}

// PriceService fetches and caches USD prices from CoinGecko.
// With the feed disabled it only knows the stablecoin peg.
type PriceService struct {
	client   *http.Client
	baseURL  string
	enabled  bool
	cache    map[string]float64
	cachedAt time.Time
	mu       sync.RWMutex
}

// NewPriceService creates a PriceService with the default CoinGecko URL.
func NewPriceService(enabled bool) *PriceService {
	slog.Info("price service initialized",
		"enabled", enabled,
		"baseURL", config.CoinGeckoBaseURL,
		"cacheDuration", config.PriceCacheDuration,
	)
	return NewPriceServiceWithURL(config.CoinGeckoBaseURL, enabled)
}

// NewPriceServiceWithURL creates a PriceService with a custom base URL (for testing).
func NewPriceServiceWithURL(baseURL string, enabled bool) *PriceService {
	return &PriceService{
		client: &http.Client{
			Timeout: config.APITimeout,
		},
		baseURL: baseURL,
		enabled: enabled,
		cache:   make(map[string]float64),
	}
}

// USDPrice returns the USD price of a symbol. Stablecoins fall back to the
// 1.0 peg when the feed is disabled or failing; other symbols need the feed.
func (ps *PriceService) USDPrice(ctx context.Context, symbol string) (float64, error) {
	if !ps.enabled {
		if stablecoins[symbol] {
			return config.StablecoinPegUSD, nil
		}
		return 0, fmt.Errorf("%w: feed disabled, no price for %s", config.ErrPriceFetchFailed, symbol)
	}

	prices, err := ps.GetPrices(ctx)
	if err == nil {
		if p, ok := prices[symbol]; ok {
			return p, nil
		}
		err = fmt.Errorf("%w: no price for %s", config.ErrPriceFetchFailed, symbol)
	}

	if stablecoins[symbol] {
		slog.Debug("using stablecoin peg", "symbol", symbol, "error", err)
		return config.StablecoinPegUSD, nil
	}
	return 0, err
}

// GetPrices returns current USD prices keyed by symbol.
// Returns cached prices while fresh; on a failed refresh a stale cache is served.
func (ps *PriceService) GetPrices(ctx context.Context) (map[string]float64, error) {
	ps.mu.RLock()
	if len(ps.cache) > 0 && time.Since(ps.cachedAt) < config.PriceCacheDuration {
		prices := copyPrices(ps.cache)
		ps.mu.RUnlock()

		slog.Debug("price cache hit",
			"age", time.Since(ps.cachedAt).Round(time.Second),
			"coins", len(prices),
		)
		return prices, nil
	}
	ps.mu.RUnlock()

	prices, err := ps.fetchPrices(ctx)
	if err != nil {
		ps.mu.RLock()
		defer ps.mu.RUnlock()
		if len(ps.cache) > 0 {
			slog.Warn("serving stale prices after fetch failure",
				"age", time.Since(ps.cachedAt).Round(time.Second),
				"error", err,
			)
			return copyPrices(ps.cache), nil
		}
		return nil, err
	}

	ps.mu.Lock()
	ps.cache = prices
	ps.cachedAt = time.Now()
	ps.mu.Unlock()

	return copyPrices(prices), nil
}

func copyPrices(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// coinGeckoResponse represents the CoinGecko /simple/price response.
// Each key is a coin ID mapping to currency values.
type coinGeckoResponse map[string]map[string]float64

func (ps *PriceService) fetchPrices(ctx context.Context) (map[string]float64, error) {
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", ps.baseURL, config.CoinGeckoIDs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := ps.client.Do(req)
	if err != nil {
		slog.Error("CoinGecko request failed",
			"error", err,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return nil, fmt.Errorf("%w: %v", config.ErrPriceFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := httputil.RetryAfter(resp.Header)
		slog.Warn("CoinGecko rate limited", "retryAfter", retryAfter)
		return nil, config.NewTransientErrorWithRetry(
			fmt.Errorf("%w: HTTP 429", config.ErrPriceFetchFailed), retryAfter)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("CoinGecko non-200 response",
			"status", resp.StatusCode,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return nil, fmt.Errorf("%w: HTTP %d", config.ErrPriceFetchFailed, resp.StatusCode)
	}

	var cgResp coinGeckoResponse
	if err := json.NewDecoder(resp.Body).Decode(&cgResp); err != nil {
		return nil, fmt.Errorf("%w: decode error: %v", config.ErrPriceFetchFailed, err)
	}

	prices := make(map[string]float64, len(coinGeckoIDToSymbol))
	for cgID, symbol := range coinGeckoIDToSymbol {
		if coinData, ok := cgResp[cgID]; ok {
			if usd, ok := coinData["usd"]; ok {
				prices[symbol] = usd
			}
		}
	}

	slog.Info("prices fetched",
		"coins", len(prices),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"USDT", prices["USDT"],
		"USDC", prices["USDC"],
	)
	return prices, nil
}
