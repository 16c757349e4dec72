package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/symbol"
)

// DefaultMirrorURLs is the fixed priority order of equivalent exchange
// endpoints. The primary is regionally blocked (HTTP 451) in some
// jurisdictions, which is exactly what the mirror chain exists for.
var DefaultMirrorURLs = []string{
	"https://api.binance.com/api/v3",
	"https://api1.binance.com/api/v3",
	"https://api2.binance.com/api/v3",
	"https://api3.binance.com/api/v3",
}

// browserUA avoids bot filtering on some mirrors.
const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// ExchangeSource prices a pair from one exchange REST endpoint.
// Any failure — transport error, geo-block, malformed body — is reported
// to the resolver, which moves to the next tier rather than retrying here.
type ExchangeSource struct {
	baseURL string
	client  *http.Client
}

// NewExchangeSource creates a source for a single exchange endpoint.
func NewExchangeSource(baseURL string, client *http.Client) *ExchangeSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &ExchangeSource{baseURL: baseURL, client: client}
}

// NewExchangeMirrors creates one source per endpoint, preserving order.
func NewExchangeMirrors(baseURLs []string, client *http.Client) []Source {
	sources := make([]Source, 0, len(baseURLs))
	for _, u := range baseURLs {
		sources = append(sources, NewExchangeSource(u, client))
	}
	return sources
}

func (s *ExchangeSource) Name() string {
	return "exchange:" + s.baseURL
}

// tickerPriceResponse is the exchange's /ticker/price body.
type tickerPriceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (s *ExchangeSource) Price(ctx context.Context, pair symbol.Pair) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/ticker/price?symbol=%s", s.baseURL, url.QueryEscape(pair.Compact()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch %s: %w", pair.Compact(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnavailableForLegalReasons {
		return decimal.Decimal{}, fmt.Errorf("endpoint geo-blocked (451) for %s", pair.Compact())
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("fetch %s: status %d", pair.Compact(), resp.StatusCode)
	}

	var body tickerPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode %s: %w", pair.Compact(), err)
	}
	if body.Price.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("empty price for %s", pair.Compact())
	}
	return body.Price, nil
}
