package trading_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/ledger"
	"github.com/coinharbor/trading-engine/internal/model"
	"github.com/coinharbor/trading-engine/internal/price"
	"github.com/coinharbor/trading-engine/internal/store"
	"github.com/coinharbor/trading-engine/internal/symbol"
	"github.com/coinharbor/trading-engine/internal/trading"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fixedSource serves a settable price for every pair.
type fixedSource struct {
	price decimal.Decimal
}

func (s *fixedSource) Name() string { return "fixed" }

func (s *fixedSource) Price(_ context.Context, _ symbol.Pair) (decimal.Decimal, error) {
	return s.price, nil
}

// pairSource serves prices only for the compact symbols it knows.
type pairSource struct {
	prices map[string]decimal.Decimal
}

func (s *pairSource) Name() string { return "pairs" }

func (s *pairSource) Price(_ context.Context, pair symbol.Pair) (decimal.Decimal, error) {
	p, ok := s.prices[pair.Compact()]
	if !ok {
		return decimal.Decimal{}, errors.New("no price for " + pair.Compact())
	}
	return p, nil
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, *fixedSource, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	src := &fixedSource{price: d(100)}
	svc := trading.NewService(ms, ledger.New(ms, nil), price.NewResolver(0, src), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/orders", svc.SubmitOrder)
	r.Post("/api/v1/orders/{orderID}/close", svc.CloseOrder)
	r.Get("/api/v1/users/{userID}/orders", svc.GetOrderHistory)
	r.Get("/api/v1/users/{userID}/orders/active", svc.GetActiveOrders)
	r.Get("/api/v1/users/{userID}/balances", svc.GetBalances)
	r.Get("/api/v1/users/{userID}/transactions", svc.GetTransactions)
	r.Post("/api/v1/swap", svc.Swap)
	r.Post("/api/v1/admin/orders/{orderID}/settle", svc.AdminSettleOrder)
	r.Post("/api/v1/admin/users/{userID}/balance", svc.AdminAdjustBalance)

	return ms, src, r
}

func seedBalance(t *testing.T, ms *store.MemoryStore, userID, currency string, amount float64) {
	t.Helper()
	_, _, err := ms.ApplyBalanceDelta(context.Background(), userID, currency, model.DefaultNetwork, d(amount))
	if err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
}

func decodeBody(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Order submission tests ---

func TestSubmitOrder(t *testing.T) {
	ms, src, router := newTestEnv(t)
	src.price = d(45000)
	seedBalance(t, ms, "user1", "USDT", 500)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID:    "user1",
		Direction: "long",
		Ticker:    "BTC/USDT",
		Duration:  "30s",
		Quantity:  d(50),
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	if order.ID == "" {
		t.Error("expected non-empty order id")
	}
	if !order.EntryPrice.Equal(d(45000)) {
		t.Errorf("expected entry price 45000, got %s", order.EntryPrice)
	}
	if !order.Percentage.Equal(d(40)) {
		t.Errorf("expected 40%% payout tier for 30s, got %s", order.Percentage)
	}
	if order.Status != model.OrderActive {
		t.Errorf("expected active status, got %s", order.Status)
	}
	if order.Outcome.Kind != model.OutcomePending {
		t.Errorf("expected pending outcome, got %s", order.Outcome.Kind)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 500)

	tests := []struct {
		name string
		req  trading.SubmitOrderRequest
	}{
		{"missing direction", trading.SubmitOrderRequest{UserID: "user1", Ticker: "BTC/USDT", Duration: "30s", Quantity: d(10)}},
		{"bad direction", trading.SubmitOrderRequest{UserID: "user1", Direction: "up", Ticker: "BTC/USDT", Duration: "30s", Quantity: d(10)}},
		{"bad duration", trading.SubmitOrderRequest{UserID: "user1", Direction: "long", Ticker: "BTC/USDT", Duration: "45s", Quantity: d(10)}},
		{"bad ticker", trading.SubmitOrderRequest{UserID: "user1", Direction: "long", Ticker: "BTCUSDT", Duration: "30s", Quantity: d(10)}},
		{"zero quantity", trading.SubmitOrderRequest{UserID: "user1", Direction: "long", Ticker: "BTC/USDT", Duration: "30s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/orders", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitOrderRequiresFundedBalance(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID:    "broke",
		Direction: "long",
		Ticker:    "BTC/USDT",
		Duration:  "30s",
		Quantity:  d(10),
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unfunded user, got %d", w.Code)
	}
}

// --- Close order tests ---

func TestCloseOrderRecordsPnLWithoutMovingBalance(t *testing.T) {
	ms, src, router := newTestEnv(t)
	src.price = d(100)
	seedBalance(t, ms, "user1", "USDT", 500)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID: "user1", Direction: "long", Ticker: "BTC/USDT", Duration: "300s", Quantity: d(50),
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	// Price moved up 10% before the manual close.
	src.price = d(110)
	w = doJSON(t, router, "POST", "/api/v1/orders/"+order.ID+"/close",
		trading.CloseOrderRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := ms.GetOrder(context.Background(), order.ID)
	if got.Status != model.OrderClosed {
		t.Errorf("expected closed, got %s", got.Status)
	}
	if !got.PnL.Equal(d(10)) {
		t.Errorf("expected +10%% pnl, got %s", got.PnL)
	}
	if got.Outcome.Kind != model.OutcomeProfit {
		t.Errorf("expected profit outcome, got %s", got.Outcome.Kind)
	}

	// A manual close never touches the balance.
	bal, _ := ms.GetBalance(context.Background(), "user1", "USDT")
	if !bal.Amount.Equal(d(500)) {
		t.Errorf("expected balance unchanged at 500, got %s", bal.Amount)
	}
}

func TestCloseOrderTwiceConflicts(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 500)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID: "user1", Direction: "short", Ticker: "ETH/USDT", Duration: "60s", Quantity: d(20),
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	first := doJSON(t, router, "POST", "/api/v1/orders/"+order.ID+"/close",
		trading.CloseOrderRequest{UserID: "user1"})
	if first.Code != http.StatusOK {
		t.Fatalf("first close: expected 200, got %d", first.Code)
	}

	second := doJSON(t, router, "POST", "/api/v1/orders/"+order.ID+"/close",
		trading.CloseOrderRequest{UserID: "user1"})
	if second.Code != http.StatusNotFound && second.Code != http.StatusConflict {
		t.Errorf("second close should be rejected, got %d", second.Code)
	}
}

func TestCloseOrderWrongUser(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 500)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID: "user1", Direction: "long", Ticker: "BTC/USDT", Duration: "30s", Quantity: d(10),
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	resp := doJSON(t, router, "POST", "/api/v1/orders/"+order.ID+"/close",
		trading.CloseOrderRequest{UserID: "intruder"})
	if resp.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign order, got %d", resp.Code)
	}
}

// --- Active order expiry tests ---

func TestGetActiveOrdersSettlesExpiredAsLoss(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 100)

	// Seed an order whose 30s lifetime already elapsed.
	expired := &model.Order{
		ID:         "expired-1",
		UserID:     "user1",
		Direction:  model.DirectionLong,
		Ticker:     "BTC/USDT",
		EntryPrice: d(100),
		Duration:   "30s",
		Percentage: d(40),
		Quantity:   d(25),
		Outcome:    model.PendingOutcome(),
		Status:     model.OrderActive,
		CreatedAt:  time.Now().UTC().Add(-time.Minute),
	}
	if err := ms.CreateOrder(context.Background(), expired); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/users/user1/orders/active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("expected no active orders after expiry, got %d", resp.Count)
	}

	got, _ := ms.GetOrder(context.Background(), "expired-1")
	if got.Status != model.OrderClosed {
		t.Errorf("expected expired order closed, got %s", got.Status)
	}
	if got.Outcome.Kind != model.OutcomeLoss || !got.Outcome.Amount.Equal(d(25)) {
		t.Errorf("expected loss of full 25 stake, got %s %s", got.Outcome.Kind, got.Outcome.Amount)
	}

	// The stake left the balance exactly once.
	bal, _ := ms.GetBalance(context.Background(), "user1", "USDT")
	if !bal.Amount.Equal(d(75)) {
		t.Errorf("expected balance 75, got %s", bal.Amount)
	}
}

func TestGetActiveOrdersReportsTimeRemaining(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 100)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID: "user1", Direction: "long", Ticker: "BTC/USDT", Duration: "300s", Quantity: d(10),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/v1/users/user1/orders/active", nil)
	var resp struct {
		Data []trading.ActiveOrder `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Data) != 1 {
		t.Fatalf("expected 1 active order, got %d", len(resp.Data))
	}
	remaining := resp.Data[0].TimeRemainingSeconds
	if remaining <= 0 || remaining > 300 {
		t.Errorf("expected remaining in (0,300], got %d", remaining)
	}
}

// --- Swap tests ---

func TestSwap(t *testing.T) {
	ms, src, router := newTestEnv(t)
	src.price = d(0.5) // 1 USDT buys 0.5 units of the target
	seedBalance(t, ms, "user1", "USDT", 200)

	w := doJSON(t, router, "POST", "/api/v1/swap", trading.SwapRequest{
		UserID: "user1", From: "USDT", To: "BTC", Amount: d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trading.SwapResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.AmountReceived.Equal(d(50)) {
		t.Errorf("expected 50 received, got %s", resp.AmountReceived)
	}

	ctx := context.Background()
	from, _ := ms.GetBalance(ctx, "user1", "USDT")
	if !from.Amount.Equal(d(100)) {
		t.Errorf("expected USDT balance 100, got %s", from.Amount)
	}
	to, _ := ms.GetBalance(ctx, "user1", "BTC")
	if !to.Amount.Equal(d(50)) {
		t.Errorf("expected BTC balance 50, got %s", to.Amount)
	}

	// Both legs journaled as swap entries.
	txs, _ := ms.ListTransactions(ctx, "user1", store.TxFilter{Type: model.TxSwap})
	if len(txs) != 2 {
		t.Errorf("expected 2 swap journal entries, got %d", len(txs))
	}
}

func TestSwapInsufficientBalance(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 10)

	w := doJSON(t, router, "POST", "/api/v1/swap", trading.SwapRequest{
		UserID: "user1", From: "USDT", To: "BTC", Amount: d(100),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSwapSameCurrencyRejected(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/swap", trading.SwapRequest{
		UserID: "user1", From: "USDT", To: "USDT", Amount: d(10),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSwapFallsBackToReversePair(t *testing.T) {
	// Only ETH/BTC is quoted; swapping BTC to ETH must use the reciprocal
	// of the reverse pair's rate.
	ms := store.NewMemoryStore()
	src := &pairSource{prices: map[string]decimal.Decimal{"ETHBTC": d(0.05)}}
	svc := trading.NewService(ms, ledger.New(ms, nil), price.NewResolver(0, src), nil)

	router := chi.NewRouter()
	router.Post("/api/v1/swap", svc.Swap)

	seedBalance(t, ms, "user1", "BTC", 1)

	w := doJSON(t, router, "POST", "/api/v1/swap", trading.SwapRequest{
		UserID: "user1", From: "BTC", To: "ETH", Amount: d(0.1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trading.SwapResponse
	decodeBody(t, w.Body.Bytes(), &resp)
	if !resp.Price.Equal(d(20)) {
		t.Errorf("expected reciprocal rate 20, got %s", resp.Price)
	}
	if !resp.AmountReceived.Equal(d(2)) {
		t.Errorf("expected 2 ETH for 0.1 BTC, got %s", resp.AmountReceived)
	}

	ctx := context.Background()
	btc, _ := ms.GetBalance(ctx, "user1", "BTC")
	if !btc.Amount.Equal(d(0.9)) {
		t.Errorf("expected BTC balance 0.9, got %s", btc.Amount)
	}
	eth, _ := ms.GetBalance(ctx, "user1", "ETH")
	if !eth.Amount.Equal(d(2)) {
		t.Errorf("expected ETH balance 2, got %s", eth.Amount)
	}
}

// --- Admin tests ---

func TestAdminSettleProfit(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 100)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID: "user1", Direction: "long", Ticker: "BTC/USDT", Duration: "30s", Quantity: d(50),
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	w = doJSON(t, router, "POST", "/api/v1/admin/orders/"+order.ID+"/settle",
		trading.AdminSettleRequest{Outcome: "profit"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Stake 50 at the 40% tier credits 20.
	bal, _ := ms.GetBalance(context.Background(), "user1", "USDT")
	if !bal.Amount.Equal(d(120)) {
		t.Errorf("expected balance 120, got %s", bal.Amount)
	}

	got, _ := ms.GetOrder(context.Background(), order.ID)
	if got.Status != model.OrderClosed || got.Outcome.Kind != model.OutcomeProfit {
		t.Errorf("expected closed/profit, got %s/%s", got.Status, got.Outcome.Kind)
	}
}

func TestAdminSettleLoss(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 100)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID: "user1", Direction: "short", Ticker: "BTC/USDT", Duration: "60s", Quantity: d(30),
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	w = doJSON(t, router, "POST", "/api/v1/admin/orders/"+order.ID+"/settle",
		trading.AdminSettleRequest{Outcome: "loss"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	bal, _ := ms.GetBalance(context.Background(), "user1", "USDT")
	if !bal.Amount.Equal(d(70)) {
		t.Errorf("expected balance 70, got %s", bal.Amount)
	}
}

func TestAdminSettleAlreadyClosed(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 100)

	w := doJSON(t, router, "POST", "/api/v1/orders", trading.SubmitOrderRequest{
		UserID: "user1", Direction: "long", Ticker: "BTC/USDT", Duration: "30s", Quantity: d(10),
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	if w := doJSON(t, router, "POST", "/api/v1/admin/orders/"+order.ID+"/settle",
		trading.AdminSettleRequest{Outcome: "loss"}); w.Code != http.StatusOK {
		t.Fatalf("first settle: %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/admin/orders/"+order.ID+"/settle",
		trading.AdminSettleRequest{Outcome: "profit"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for second settlement, got %d", w.Code)
	}

	// The losing settlement must not have moved funds again.
	bal, _ := ms.GetBalance(context.Background(), "user1", "USDT")
	if !bal.Amount.Equal(d(90)) {
		t.Errorf("expected balance 90, got %s", bal.Amount)
	}
}

func TestAdminAdjustBalance(t *testing.T) {
	ms, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/admin/users/user9/balance",
		trading.AdminAdjustRequest{Currency: "USDT", Operation: "add", Amount: d(500), Reason: "promo credit"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	bal, _ := ms.GetBalance(context.Background(), "user9", "USDT")
	if !bal.Amount.Equal(d(500)) {
		t.Errorf("expected balance 500, got %s", bal.Amount)
	}

	// Admin adjustments journal as admin_deposit so they appear in the
	// deposit-style transaction views.
	txs, _ := ms.ListTransactions(context.Background(), "user9", store.TxFilter{Type: model.TxAdminDeposit})
	if len(txs) != 1 {
		t.Fatalf("expected 1 admin_deposit entry, got %d", len(txs))
	}
	if txs[0].Reason != "promo credit" {
		t.Errorf("expected reason recorded, got %q", txs[0].Reason)
	}
}

func TestAdminAdjustSubtractClampsAtZero(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedBalance(t, ms, "user1", "USDT", 20)

	w := doJSON(t, router, "POST", "/api/v1/admin/users/user1/balance",
		trading.AdminAdjustRequest{Currency: "USDT", Operation: "subtract", Amount: d(50), Reason: "correction"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	bal, _ := ms.GetBalance(context.Background(), "user1", "USDT")
	if !bal.Amount.IsZero() {
		t.Errorf("expected balance clamped to 0, got %s", bal.Amount)
	}
}
