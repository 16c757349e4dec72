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

// DefaultAggregatorURL is the independent price aggregator consulted when
// every exchange mirror has failed.
const DefaultAggregatorURL = "https://api.coingecko.com/api/v3"

// AggregatorSource prices a pair through an independent aggregator that
// speaks coin-ids and a small set of quote units instead of exchange
// symbols. Pairs the aggregator only exposes in the reverse orientation
// are requested reversed and the result replaced by its reciprocal.
type AggregatorSource struct {
	baseURL string
	client  *http.Client
}

// NewAggregatorSource creates the aggregator fallback tier.
func NewAggregatorSource(baseURL string, client *http.Client) *AggregatorSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &AggregatorSource{baseURL: baseURL, client: client}
}

func (s *AggregatorSource) Name() string {
	return "aggregator:" + s.baseURL
}

func (s *AggregatorSource) Price(ctx context.Context, pair symbol.Pair) (decimal.Decimal, error) {
	q, err := symbol.TranslateForAggregator(pair)
	if err != nil {
		return decimal.Decimal{}, err
	}

	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s",
		s.baseURL, url.QueryEscape(q.CoinID), url.QueryEscape(q.VsCurrency))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch %s: %w", q.CoinID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("fetch %s: status %d", q.CoinID, resp.StatusCode)
	}

	// Body shape: {"bitcoin":{"usd":45000.12}}
	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode %s: %w", q.CoinID, err)
	}

	p, ok := body[q.CoinID][q.VsCurrency]
	if !ok || p.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("no %s price for %s", q.VsCurrency, q.CoinID)
	}

	if q.Invert {
		p = symbol.Reciprocal(p)
	}
	return p, nil
}
