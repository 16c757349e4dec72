package price

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/symbol"
)

// defaultPrices is the static backstop, keyed by compact symbol. Reverse
// pairs (needed by swap, which may query either direction) are derived as
// reciprocals at init rather than enumerated.
var defaultPrices = map[string]decimal.Decimal{
	// USDT pairs
	"BTCUSDT":   decimal.NewFromInt(45000),
	"ETHUSDT":   decimal.NewFromInt(2500),
	"BNBUSDT":   decimal.NewFromInt(300),
	"ADAUSDT":   decimal.NewFromFloat(0.5),
	"SOLUSDT":   decimal.NewFromInt(100),
	"DOTUSDT":   decimal.NewFromInt(7),
	"DOGEUSDT":  decimal.NewFromFloat(0.08),
	"MATICUSDT": decimal.NewFromFloat(0.8),
	"LINKUSDT":  decimal.NewFromInt(15),
	"UNIUSDT":   decimal.NewFromInt(7),
	"LTCUSDT":   decimal.NewFromInt(70),
	"BCHUSDT":   decimal.NewFromInt(250),
	"XRPUSDT":   decimal.NewFromFloat(0.5),
	"TRXUSDT":   decimal.NewFromFloat(0.08),
	"EOSUSDT":   decimal.NewFromFloat(0.7),
	"NEOUSDT":   decimal.NewFromInt(12),
	"VETUSDT":   decimal.NewFromFloat(0.02),
	"ICPUSDT":   decimal.NewFromInt(12),
	"FILUSDT":   decimal.NewFromInt(5),

	// BTC pairs
	"ETHBTC":   decimal.NewFromFloat(0.055),
	"BNBBTC":   decimal.NewFromFloat(0.0067),
	"ADABTC":   decimal.NewFromFloat(0.000011),
	"SOLBTC":   decimal.NewFromFloat(0.0022),
	"DOTBTC":   decimal.NewFromFloat(0.00016),
	"DOGEBTC":  decimal.NewFromFloat(0.0000018),
	"MATICBTC": decimal.NewFromFloat(0.000018),
	"LINKBTC":  decimal.NewFromFloat(0.00033),
	"UNIBTC":   decimal.NewFromFloat(0.00016),
	"LTCBTC":   decimal.NewFromFloat(0.0016),
	"BCHBTC":   decimal.NewFromFloat(0.0056),
	"XRPBTC":   decimal.NewFromFloat(0.000011),
	"TRXBTC":   decimal.NewFromFloat(0.0000018),
	"EOSBTC":   decimal.NewFromFloat(0.000016),
	"NEOBTC":   decimal.NewFromFloat(0.00027),
	"VETBTC":   decimal.NewFromFloat(0.00000044),
	"ICPBTC":   decimal.NewFromFloat(0.00027),
	"FILBTC":   decimal.NewFromFloat(0.00011),
}

// StaticSource is the last tier: a table of default prices covering each
// known pair and its reverse. It never fails — an entirely unknown symbol
// resolves to a hardcoded constant so settlement can always proceed.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

// NewStaticSource builds the backstop from the default table plus derived
// reverse pairs.
func NewStaticSource() *StaticSource {
	prices := make(map[string]decimal.Decimal, len(defaultPrices)*2)
	for compact, p := range defaultPrices {
		prices[compact] = p
	}
	for compact, p := range defaultPrices {
		var rev string
		switch {
		case len(compact) > 4 && compact[len(compact)-4:] == "USDT":
			rev = "USDT" + compact[:len(compact)-4]
		case len(compact) > 3 && compact[len(compact)-3:] == "BTC":
			rev = "BTC" + compact[:len(compact)-3]
		default:
			continue
		}
		if _, exists := prices[rev]; !exists {
			prices[rev] = symbol.Reciprocal(p)
		}
	}
	return &StaticSource{prices: prices}
}

func (s *StaticSource) Name() string {
	return "static"
}

// unknownSymbolPrice is the constant returned for symbols absent from the
// table entirely.
var unknownSymbolPrice = decimal.NewFromInt(1)

func (s *StaticSource) Price(_ context.Context, pair symbol.Pair) (decimal.Decimal, error) {
	if p, ok := s.prices[pair.Compact()]; ok {
		return p, nil
	}
	if p, ok := s.prices[pair.Reverse().Compact()]; ok {
		return symbol.Reciprocal(p), nil
	}
	slog.Warn("static price table has no entry, using constant", "pair", pair.String())
	return unknownSymbolPrice, nil
}
