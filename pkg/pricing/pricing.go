// Package pricing resolves historic USD prices for reward assets through the
// CoinGecko history API, memoized per (coin id, UTC calendar day) for the
// lifetime of the process.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/everclear-protocol/settler/pkg/metrics"
	"github.com/everclear-protocol/settler/pkg/rewards"
	"github.com/everclear-protocol/settler/utils/pkg/retry"
)

const defaultBaseURL = "https://pro-api.coingecko.com/api/v3"

type Config struct {
	Logger *slog.Logger
	// APIKey is the CoinGecko pro API key, sent as x-cg-pro-api-key.
	APIKey string
	// Network gates the testnet stable-asset shortcut: on "testnet", a
	// stable asset without a coin id is priced at exactly 1 USD.
	Network string
	// BaseURL overrides the CoinGecko endpoint, mainly for tests.
	BaseURL string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// RequestsPerMinute bounds the API call rate. Defaults to 30.
	RequestsPerMinute int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	return nil
}

// Oracle is a read-through historic price cache. Entries are never evicted or
// invalidated within one process lifetime; historic daily prices are
// immutable upstream.
type Oracle struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]map[string]float64 // coin id -> dd-mm-yyyy -> usd price
}

func New(cfg Config) (*Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Oracle{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		cache:   map[string]map[string]float64{},
	}, nil
}

// HistoricPrice returns the asset's USD price on the UTC calendar day of at.
func (o *Oracle) HistoricPrice(ctx context.Context, asset rewards.AssetConfig, at time.Time) (float64, error) {
	if asset.CoingeckoID == "" {
		if asset.IsStable && o.cfg.Network == "testnet" {
			// Test networks have no real markets for stables;
			// hardcode parity.
			return 1.0, nil
		}
		return 0, fmt.Errorf("asset %s has no coingecko id: %w", asset.Address, rewards.ErrInvalidAsset)
	}

	// CoinGecko's history endpoint takes dd-mm-yyyy in UTC.
	day := at.UTC().Format("02-01-2006")

	o.mu.Lock()
	if price, ok := o.cache[asset.CoingeckoID][day]; ok {
		o.mu.Unlock()
		return price, nil
	}
	o.mu.Unlock()

	price, err := o.fetch(ctx, asset.CoingeckoID, day)
	if err != nil {
		metrics.PriceLookupsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.PriceLookupsTotal.WithLabelValues("success").Inc()

	o.mu.Lock()
	if _, ok := o.cache[asset.CoingeckoID]; !ok {
		o.cache[asset.CoingeckoID] = map[string]float64{}
	}
	o.cache[asset.CoingeckoID][day] = price
	o.mu.Unlock()

	o.log.Debug("fetched historic price", "coin", asset.CoingeckoID, "date", day, "usd", price)
	return price, nil
}

type historyResponse struct {
	MarketData *struct {
		CurrentPrice map[string]float64 `json:"current_price"`
	} `json:"market_data"`
}

func (o *Oracle) fetch(ctx context.Context, coinID, day string) (float64, error) {
	endpoint := fmt.Sprintf("%s/coins/%s/history?%s", o.cfg.BaseURL, url.PathEscape(coinID),
		url.Values{"date": {day}, "localization": {"false"}}.Encode())

	var price float64
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("accept", "application/json")
		if o.cfg.APIKey != "" {
			req.Header.Set("x-cg-pro-api-key", o.cfg.APIKey)
		}

		resp, err := o.cfg.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch price for %s: %w", coinID, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("failed to read price response for %s: %w", coinID, err)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.HTTPStatusError(resp.StatusCode, fmt.Sprintf("price request for %s returned %s", coinID, resp.Status))
		}

		var parsed historyResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("failed to parse price response for %s: %w", coinID, err)
		}
		if parsed.MarketData == nil {
			return fmt.Errorf("no market data for %s on %s", coinID, day)
		}
		usd, ok := parsed.MarketData.CurrentPrice["usd"]
		if !ok {
			return fmt.Errorf("no usd price for %s on %s", coinID, day)
		}
		price = usd
		return nil
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}
