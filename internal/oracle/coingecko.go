// Package oracle resolves collateral token symbols to USD prices via the
// CoinGecko simple-price API.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// defaultIDs maps the collateral symbols this platform supports to their
// CoinGecko asset ids.
var defaultIDs = map[string]string{
	"ETH":  "ethereum",
	"WETH": "weth",
	"WBTC": "wrapped-bitcoin",
	"USDC": "usd-coin",
	"DAI":  "dai",
}

// CoinGecko is a REST client for the CoinGecko simple-price endpoint. It
// implements domain.PriceSource.
type CoinGecko struct {
	baseURL    string
	ids        map[string]string
	httpClient *http.Client
}

var _ domain.PriceSource = (*CoinGecko)(nil)

// NewCoinGecko creates a client. An empty baseURL uses the public API.
func NewCoinGecko(baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		ids:     defaultIDs,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// USDPrice returns the current USD price for a token symbol. Unknown symbols
// return domain.ErrNotFound.
func (c *CoinGecko) USDPrice(ctx context.Context, symbol string) (float64, error) {
	id, ok := c.ids[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("oracle: symbol %s: %w", symbol, domain.ErrNotFound)
	}

	params := url.Values{}
	params.Set("ids", id)
	params.Set("vs_currencies", "usd")

	endpoint := c.baseURL + "/simple/price?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("oracle: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("oracle: fetch %s: status %d: %s", symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("oracle: decode %s: %w", symbol, err)
	}

	entry, ok := payload[id]
	if !ok {
		return 0, fmt.Errorf("oracle: no price for %s: %w", symbol, domain.ErrNotFound)
	}
	return entry.USD, nil
}
