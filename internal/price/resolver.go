// Package price resolves current prices for trading pairs from a chain of
// redundant upstream sources. Sources are tried in a fixed priority order
// and a tier is only consulted when every tier before it failed; the final
// static tier never fails, so settlement is never blocked by upstream
// outages or geo-blocks.
package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/metrics"
	"github.com/coinharbor/trading-engine/internal/symbol"
)

// ErrAllSourcesFailed is returned when every configured source, including
// any static backstop, failed to produce a price.
var ErrAllSourcesFailed = errors.New("price: all sources failed")

// Source is one fallback tier: a single upstream able to price a pair.
// Implementations must honor ctx cancellation and return a positive price.
type Source interface {
	Name() string
	Price(ctx context.Context, pair symbol.Pair) (decimal.Decimal, error)
}

// Resolver walks an ordered list of sources until one succeeds.
// Each attempt gets its own timeout so a stalled upstream cannot hold the
// caller beyond perSourceTimeout.
type Resolver struct {
	sources          []Source
	perSourceTimeout time.Duration
}

// NewResolver creates a resolver over the given sources, tried in order.
// A non-positive timeout disables the per-source deadline.
func NewResolver(perSourceTimeout time.Duration, sources ...Source) *Resolver {
	return &Resolver{
		sources:          sources,
		perSourceTimeout: perSourceTimeout,
	}
}

// Resolve returns the current price of the pair from the first source that
// answers. It fails only if every tier is exhausted.
func (r *Resolver) Resolve(ctx context.Context, pair symbol.Pair) (decimal.Decimal, error) {
	var lastErr error

	for tier, src := range r.sources {
		p, err := r.trySource(ctx, src, pair)
		if err != nil {
			lastErr = err
			slog.Warn("price source failed, falling back",
				"source", src.Name(),
				"tier", tier,
				"pair", pair.String(),
				"err", err,
			)
			metrics.PriceSourceFailures.WithLabelValues(src.Name()).Inc()
			continue
		}
		if p.LessThanOrEqual(decimal.Zero) {
			lastErr = fmt.Errorf("source %s returned non-positive price %s", src.Name(), p)
			slog.Warn("price source failed, falling back",
				"source", src.Name(),
				"tier", tier,
				"pair", pair.String(),
				"err", lastErr,
			)
			metrics.PriceSourceFailures.WithLabelValues(src.Name()).Inc()
			continue
		}

		metrics.PriceResolutions.WithLabelValues(src.Name()).Inc()
		if tier > 0 {
			slog.Info("price resolved via fallback tier",
				"source", src.Name(), "tier", tier, "pair", pair.String(), "price", p.String())
		}
		return p, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no sources configured")
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s: %w", ErrAllSourcesFailed, pair, lastErr)
}

func (r *Resolver) trySource(ctx context.Context, src Source, pair symbol.Pair) (decimal.Decimal, error) {
	if r.perSourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.perSourceTimeout)
		defer cancel()
	}
	return src.Price(ctx, pair)
}
