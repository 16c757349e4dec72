package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/ledger"
	"github.com/coinharbor/trading-engine/internal/model"
	"github.com/coinharbor/trading-engine/internal/price"
	"github.com/coinharbor/trading-engine/internal/store"
	"github.com/coinharbor/trading-engine/internal/symbol"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// stubSource serves fixed prices by compact symbol and counts lookups.
type stubSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int

	started chan struct{} // closed-once signal, optional
	release chan struct{} // blocks the first call when set
	once    sync.Once
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Price(_ context.Context, pair symbol.Pair) (decimal.Decimal, error) {
	if s.release != nil {
		s.once.Do(func() {
			close(s.started)
			<-s.release
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if p, ok := s.prices[pair.Compact()]; ok {
		return p, nil
	}
	return decimal.Decimal{}, errors.New("no price for " + pair.Compact())
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestSweeper(src *stubSource) (*Sweeper, *store.MemoryStore) {
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	r := price.NewResolver(0, src)
	return NewSweeper(st, l, r, 0), st
}

func seedOrder(t *testing.T, st *store.MemoryStore, userID, direction, ticker string, entry, stake float64) *model.Order {
	t.Helper()
	o := &model.Order{
		ID:         uuid.New().String(),
		UserID:     userID,
		Direction:  direction,
		Ticker:     ticker,
		EntryPrice: d(entry),
		Duration:   "30s",
		Percentage: d(40),
		Quantity:   d(stake),
		Outcome:    model.PendingOutcome(),
		Status:     model.OrderActive,
	}
	if err := st.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func seedBalance(t *testing.T, st *store.MemoryStore, userID string, amount float64) {
	t.Helper()
	_, _, err := st.ApplyBalanceDelta(context.Background(), userID, model.SettlementCurrency,
		model.DefaultNetwork, d(amount))
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func TestSweepSettlesProfitableLong(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTCUSDT": d(110)}}
	sw, st := newTestSweeper(src)
	ctx := context.Background()

	seedBalance(t, st, "u1", 1000)
	o := seedOrder(t, st, "u1", model.DirectionLong, "BTC/USDT", 100, 50)

	sw.TrySweep(ctx)

	got, _ := st.GetOrder(ctx, o.ID)
	if got.Status != model.OrderClosed {
		t.Fatalf("expected order closed, got %s", got.Status)
	}
	if got.Outcome.Kind != model.OutcomeProfit {
		t.Errorf("expected profit outcome, got %s", got.Outcome.Kind)
	}
	// 0.1% of the 1000 USDT balance.
	if !got.Outcome.Amount.Equal(d(1)) {
		t.Errorf("expected adjustment 1, got %s", got.Outcome.Amount)
	}

	bal, _ := st.GetBalance(ctx, "u1", model.SettlementCurrency)
	if !bal.Amount.Equal(d(1001)) {
		t.Errorf("expected balance 1001, got %s", bal.Amount)
	}
}

func TestSweepSettlesFlatPriceAsLoss(t *testing.T) {
	// An unchanged price is not a win for either direction.
	src := &stubSource{prices: map[string]decimal.Decimal{"BTCUSDT": d(100)}}
	sw, st := newTestSweeper(src)
	ctx := context.Background()

	seedBalance(t, st, "u1", 200)
	o := seedOrder(t, st, "u1", model.DirectionLong, "BTC/USDT", 100, 10)

	sw.TrySweep(ctx)

	got, _ := st.GetOrder(ctx, o.ID)
	if got.Outcome.Kind != model.OutcomeLoss {
		t.Errorf("expected loss outcome on flat price, got %s", got.Outcome.Kind)
	}
	bal, _ := st.GetBalance(ctx, "u1", model.SettlementCurrency)
	if !bal.Amount.Equal(d(199.8)) {
		t.Errorf("expected balance 199.8, got %s", bal.Amount)
	}
}

func TestSweepResolvesEachTickerOnce(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTCUSDT": d(110)}}
	sw, st := newTestSweeper(src)
	ctx := context.Background()

	seedBalance(t, st, "u1", 100)
	seedBalance(t, st, "u2", 100)
	seedOrder(t, st, "u1", model.DirectionLong, "BTC/USDT", 100, 10)
	seedOrder(t, st, "u2", model.DirectionShort, "BTC/USDT", 100, 10)

	sw.TrySweep(ctx)

	if src.callCount() != 1 {
		t.Errorf("expected 1 price lookup for 2 orders on the same ticker, got %d", src.callCount())
	}
}

func TestSweepRecordsPriceTracker(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"ETHUSDT": d(2600)}}
	sw, st := newTestSweeper(src)
	ctx := context.Background()

	seedBalance(t, st, "u1", 100)
	seedOrder(t, st, "u1", model.DirectionLong, "ETH/USDT", 2500, 10)

	sw.TrySweep(ctx)

	tracker, err := st.GetPriceTracker(ctx, "ETH/USDT")
	if err != nil {
		t.Fatalf("expected tracker after sweep: %v", err)
	}
	if !tracker.CurrentPrice.Equal(d(2600)) {
		t.Errorf("expected tracked price 2600, got %s", tracker.CurrentPrice)
	}
	if len(tracker.History) != 1 {
		t.Errorf("expected 1 history sample, got %d", len(tracker.History))
	}
}

func TestSweepSkipsUserWithoutBalance(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTCUSDT": d(110)}}
	sw, st := newTestSweeper(src)
	ctx := context.Background()

	o := seedOrder(t, st, "ghost", model.DirectionLong, "BTC/USDT", 100, 10)

	sw.TrySweep(ctx)

	got, _ := st.GetOrder(ctx, o.ID)
	if got.Status != model.OrderActive {
		t.Errorf("expected order left active when user has no balance, got %s", got.Status)
	}
}

func TestSweepSkipsOrderWithUnresolvablePrice(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{}}
	sw, st := newTestSweeper(src)
	ctx := context.Background()

	seedBalance(t, st, "u1", 100)
	o := seedOrder(t, st, "u1", model.DirectionLong, "BTC/USDT", 100, 10)

	sw.TrySweep(ctx)

	got, _ := st.GetOrder(ctx, o.ID)
	if got.Status != model.OrderActive {
		t.Errorf("expected order left active when price is unavailable, got %s", got.Status)
	}
	bal, _ := st.GetBalance(ctx, "u1", model.SettlementCurrency)
	if !bal.Amount.Equal(d(100)) {
		t.Errorf("expected balance untouched, got %s", bal.Amount)
	}
}

func TestConcurrentSweepIsSkipped(t *testing.T) {
	src := &stubSource{
		prices:  map[string]decimal.Decimal{"BTCUSDT": d(110)},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sw, st := newTestSweeper(src)
	ctx := context.Background()

	seedBalance(t, st, "u1", 1000)
	o := seedOrder(t, st, "u1", model.DirectionLong, "BTC/USDT", 100, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.TrySweep(ctx)
	}()

	<-src.started
	// The first sweep is parked inside price resolution; this call must
	// bail out instead of queueing a second sweep.
	sw.TrySweep(ctx)
	close(src.release)
	<-done

	got, _ := st.GetOrder(ctx, o.ID)
	if got.Status != model.OrderClosed {
		t.Fatalf("expected first sweep to finish and close the order, got %s", got.Status)
	}
	bal, _ := st.GetBalance(ctx, "u1", model.SettlementCurrency)
	if !bal.Amount.Equal(d(1001)) {
		t.Errorf("expected exactly one settlement applied, got balance %s", bal.Amount)
	}
}
