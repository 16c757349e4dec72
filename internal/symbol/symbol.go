// Package symbol handles trading pair parsing and the translation of pairs
// into the quote conventions of upstream price feeds. Everything here is
// pure — no transport, no clocks — so the reciprocal and mapping logic is
// unit-testable without network access.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPair     = errors.New("symbol: invalid pair format")
	ErrUnsupportedPair = errors.New("symbol: pair not supported by aggregator")
)

// pairRegex matches the canonical "BASE/QUOTE" form, e.g. BTC/USDT.
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z0-9]{2,10})$`)

// Pair is a parsed trading pair: the price of one Base expressed in Quote.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse parses and validates a "BASE/QUOTE" ticker string.
func Parse(ticker string) (Pair, error) {
	matches := pairRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(ticker)))
	if matches == nil {
		return Pair{}, fmt.Errorf("%w: %q (expected BASE/QUOTE, e.g. BTC/USDT)", ErrInvalidPair, ticker)
	}
	return Pair{Base: matches[1], Quote: matches[2]}, nil
}

// Join builds a pair from two bare asset codes, as the swap endpoint
// receives them.
func Join(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// Compact returns the exchange wire form without the separator, e.g. BTCUSDT.
func (p Pair) Compact() string {
	return p.Base + p.Quote
}

// String returns the canonical "BASE/QUOTE" form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Reverse returns the inverted pair (quote priced in base).
func (p Pair) Reverse() Pair {
	return Pair{Base: p.Quote, Quote: p.Base}
}

// coinIDs maps asset codes to the aggregator's canonical identifiers.
var coinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"USDT":  "tether",
	"BNB":   "binancecoin",
	"ADA":   "cardano",
	"SOL":   "solana",
	"DOT":   "polkadot",
	"DOGE":  "dogecoin",
	"MATIC": "matic-network",
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"LTC":   "litecoin",
	"BCH":   "bitcoin-cash",
	"XRP":   "ripple",
	"TRX":   "tron",
	"EOS":   "eos",
	"NEO":   "neo",
	"VET":   "vechain",
	"ICP":   "internet-computer",
	"FIL":   "filecoin",
}

// vsCurrencies maps quote assets to the units the aggregator can price in.
// Stablecoin quotes are treated as USD.
var vsCurrencies = map[string]string{
	"USDT": "usd",
	"USDC": "usd",
	"BTC":  "btc",
	"ETH":  "eth",
}

// AggregatorQuery describes how to ask the fallback aggregator for a pair's
// price. When Invert is set the aggregator only exposes the reverse of the
// requested pair, and the returned value must be replaced by its reciprocal.
type AggregatorQuery struct {
	CoinID     string
	VsCurrency string
	Invert     bool
}

// TranslateForAggregator maps a pair onto the aggregator's coin-id/unit
// scheme. Stablecoin-base pairs (USDT/BTC) are expressed the other way
// round, as the coin priced in usd, and marked inverted so the caller
// takes the reciprocal. Otherwise the direct form (base id, quote unit)
// is tried first, then the reversed orientation.
func TranslateForAggregator(p Pair) (AggregatorQuery, error) {
	if vs, ok := vsCurrencies[p.Base]; ok && vs == "usd" {
		if id, ok := coinIDs[p.Quote]; ok {
			return AggregatorQuery{CoinID: id, VsCurrency: vs, Invert: true}, nil
		}
	}
	if id, ok := coinIDs[p.Base]; ok {
		if vs, ok := vsCurrencies[p.Quote]; ok {
			return AggregatorQuery{CoinID: id, VsCurrency: vs, Invert: false}, nil
		}
	}
	if id, ok := coinIDs[p.Quote]; ok {
		if vs, ok := vsCurrencies[p.Base]; ok {
			return AggregatorQuery{CoinID: id, VsCurrency: vs, Invert: true}, nil
		}
	}
	return AggregatorQuery{}, fmt.Errorf("%w: %s", ErrUnsupportedPair, p)
}

// Reciprocal converts a QUOTE-per-BASE price into BASE-per-QUOTE.
// Zero has no reciprocal; it is returned unchanged rather than dividing.
func Reciprocal(price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return price
	}
	return decimal.NewFromInt(1).Div(price)
}
