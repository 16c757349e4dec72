// Package scheduler runs the periodic settlement sweep: every interval it
// prices each distinct ticker once, records the samples, and settles every
// active order against its direction.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/ledger"
	"github.com/coinharbor/trading-engine/internal/metrics"
	"github.com/coinharbor/trading-engine/internal/model"
	"github.com/coinharbor/trading-engine/internal/price"
	"github.com/coinharbor/trading-engine/internal/settle"
	"github.com/coinharbor/trading-engine/internal/store"
	"github.com/coinharbor/trading-engine/internal/symbol"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = 5 * time.Minute

// Sweeper owns the settlement loop. Sweeps never overlap: if a sweep is
// still running when the ticker fires, the new run is skipped, not queued.
type Sweeper struct {
	store    store.Store
	ledger   *ledger.Ledger
	resolver *price.Resolver
	interval time.Duration

	mu sync.Mutex // held for the duration of one sweep
}

// NewSweeper creates a sweeper. A non-positive interval falls back to
// DefaultInterval.
func NewSweeper(st store.Store, l *ledger.Ledger, r *price.Resolver, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		store:    st,
		ledger:   l,
		resolver: r,
		interval: interval,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("settlement sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement sweeper stopped")
			return
		case <-ticker.C:
			s.TrySweep(ctx)
		}
	}
}

// TrySweep runs one sweep unless one is already in progress.
func (s *Sweeper) TrySweep(ctx context.Context) {
	if !s.mu.TryLock() {
		slog.Warn("previous sweep still running, skipping")
		metrics.SweepsTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.sweep(ctx); err != nil {
		slog.Error("sweep failed", "err", err)
		metrics.SweepsTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.SweepsTotal.WithLabelValues("completed").Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

func (s *Sweeper) sweep(ctx context.Context) error {
	orders, err := s.store.ListActiveOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		slog.Info("sweep found no active orders")
		return nil
	}
	slog.Info("sweep started", "active_orders", len(orders))

	// Resolve each distinct ticker exactly once, no matter how many
	// orders reference it.
	prices := s.resolvePrices(ctx, orders)

	settled := 0
	for i := range orders {
		o := &orders[i]
		current, ok := prices[o.Ticker]
		if !ok {
			slog.Warn("skipping order, no price this sweep",
				"order_id", o.ID, "ticker", o.Ticker)
			continue
		}
		if err := s.settleOrder(ctx, o, current); err != nil {
			slog.Error("failed to settle order", "order_id", o.ID, "err", err)
			continue
		}
		settled++
	}

	slog.Info("sweep completed", "settled", settled, "total", len(orders))
	return nil
}

// resolvePrices prices the distinct tickers of the given orders and records
// each sample on its tracker. Tickers whose resolution fails are absent
// from the result.
func (s *Sweeper) resolvePrices(ctx context.Context, orders []model.Order) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	for i := range orders {
		ticker := orders[i].Ticker
		if _, done := prices[ticker]; done {
			continue
		}
		pair, err := symbol.Parse(ticker)
		if err != nil {
			slog.Warn("unparseable ticker on active order", "ticker", ticker, "err", err)
			continue
		}
		p, err := s.resolver.Resolve(ctx, pair)
		if err != nil {
			slog.Warn("price resolution failed for sweep", "ticker", ticker, "err", err)
			continue
		}
		prices[ticker] = p

		if err := s.store.UpsertPriceTracker(ctx, ticker, p, time.Now().UTC()); err != nil {
			slog.Error("failed to record price sample", "ticker", ticker, "err", err)
		}
	}
	return prices
}

// settleOrder closes one order against the sweep price and moves 0.1% of
// the user's current settlement balance in the winning or losing
// direction. The close is the compare-and-set transition; a lost race
// leaves the ledger untouched.
func (s *Sweeper) settleOrder(ctx context.Context, o *model.Order, current decimal.Decimal) error {
	bal, err := s.store.GetBalance(ctx, o.UserID, model.SettlementCurrency)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("no settlement balance for user, skipping order",
				"order_id", o.ID, "user", o.UserID)
			return nil
		}
		return err
	}

	profitable := settle.IsProfitable(o.Direction, o.EntryPrice, current)
	adjustment := settle.SweepAdjustment(bal.Amount)

	var outcome model.Outcome
	var pnl decimal.Decimal
	var op string
	if profitable {
		outcome = model.ProfitOutcome(adjustment)
		pnl = adjustment
		op = ledger.OpAdd
	} else {
		outcome = model.LossOutcome(adjustment)
		pnl = adjustment.Neg()
		op = ledger.OpSubtract
	}

	ok, err := s.store.CloseOrder(ctx, o.ID, current, pnl, outcome)
	if err != nil {
		return err
	}
	if !ok {
		// Another path settled the order first.
		return nil
	}

	if adjustment.IsPositive() {
		if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
			UserID:    o.UserID,
			Currency:  model.SettlementCurrency,
			Operation: op,
			Amount:    adjustment,
			Type:      model.TxSettlement,
			Status:    model.TxSuccess,
			Reason:    "sweep settlement",
		}); err != nil {
			return err
		}
	}

	metrics.ActiveOrders.Dec()
	metrics.OrdersSettled.WithLabelValues(outcome.Kind, "sweep").Inc()
	slog.Info("order settled by sweep",
		"order_id", o.ID,
		"user", o.UserID,
		"ticker", o.Ticker,
		"outcome", outcome.Kind,
		"adjustment", adjustment.String(),
		"price", current.String(),
	)
	return nil
}
