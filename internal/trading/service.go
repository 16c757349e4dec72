// Package trading provides the HTTP handlers and business logic for
// submitting orders, closing and settling them, swapping currencies, and
// querying balances and histories.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/ledger"
	"github.com/coinharbor/trading-engine/internal/metrics"
	"github.com/coinharbor/trading-engine/internal/model"
	"github.com/coinharbor/trading-engine/internal/price"
	"github.com/coinharbor/trading-engine/internal/settle"
	"github.com/coinharbor/trading-engine/internal/store"
	"github.com/coinharbor/trading-engine/internal/symbol"
)

// Service handles trading operations. All balance mutations go through the
// ledger; the service itself never writes balances or journal entries.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	resolver *price.Resolver
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trading service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, l *ledger.Ledger, r *price.Resolver, hub *WSHub) *Service {
	return &Service{
		store:    st,
		ledger:   l,
		resolver: r,
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// SubmitOrderRequest is the JSON body for POST /orders.
type SubmitOrderRequest struct {
	UserID    string          `json:"user_id"`
	Direction string          `json:"direction"` // "long" or "short"
	Ticker    string          `json:"ticker"`    // "BTC/USDT"
	Duration  string          `json:"duration"`  // "30s", "60s", "120s", "300s"
	Quantity  decimal.Decimal `json:"quantity"`  // stake in USDT
}

// CloseOrderRequest is the JSON body for POST /orders/{orderID}/close.
type CloseOrderRequest struct {
	UserID string `json:"user_id"`
}

// ActiveOrder is an order entry returned from GET .../orders/active,
// augmented with the remaining lifetime.
type ActiveOrder struct {
	model.Order
	TimeRemainingSeconds int64 `json:"time_remaining_seconds"`
}

// SwapRequest is the JSON body for POST /swap.
type SwapRequest struct {
	UserID string          `json:"user_id"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// SwapResponse is the JSON body returned from POST /swap.
type SwapResponse struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	AmountSwapped  decimal.Decimal `json:"amount_swapped"`
	AmountReceived decimal.Decimal `json:"amount_received"`
	Price          decimal.Decimal `json:"price"`
}

// AdminSettleRequest is the JSON body for POST /admin/orders/{orderID}/settle.
type AdminSettleRequest struct {
	Outcome string `json:"outcome"` // "profit" or "loss"
}

// AdminAdjustRequest is the JSON body for POST /admin/users/{userID}/balance.
type AdminAdjustRequest struct {
	Currency  string          `json:"currency"`
	Network   string          `json:"network"`
	Operation string          `json:"operation"` // "add" or "subtract"
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

// --- Order handlers ---

// SubmitOrder handles POST /api/v1/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" || req.Direction == "" || req.Ticker == "" || req.Duration == "" {
		writeError(w, "user_id, direction, ticker and duration are required", http.StatusBadRequest)
		return
	}
	if req.Direction != model.DirectionLong && req.Direction != model.DirectionShort {
		writeError(w, `direction must be either "long" or "short"`, http.StatusBadRequest)
		return
	}
	percentage, err := settle.PayoutPercentage(req.Duration)
	if err != nil {
		writeError(w, "invalid duration", http.StatusBadRequest)
		return
	}
	pair, err := symbol.Parse(req.Ticker)
	if err != nil {
		writeError(w, `ticker must be in format like "BTC/USDT"`, http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// The stake currency must hold funds before an order opens.
	bal, err := s.store.GetBalance(ctx, req.UserID, model.SettlementCurrency)
	if err != nil || !bal.Amount.IsPositive() {
		writeError(w, "insufficient USDT balance for trading", http.StatusBadRequest)
		return
	}

	entryPrice, err := s.resolver.Resolve(ctx, pair)
	if err != nil {
		writeError(w, "failed to get current price for "+req.Ticker, http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Direction:       req.Direction,
		Ticker:          pair.String(),
		EntryPrice:      entryPrice,
		CurrentPrice:    entryPrice,
		Duration:        req.Duration,
		DisplayDuration: settle.DisplayDuration(req.Duration),
		Percentage:      percentage,
		Quantity:        req.Quantity,
		Outcome:         model.PendingOutcome(),
		Status:          model.OrderActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		writeError(w, "failed to create order", http.StatusInternalServerError)
		return
	}
	metrics.ActiveOrders.Inc()

	slog.Info("order submitted",
		"order_id", order.ID,
		"user", req.UserID,
		"direction", req.Direction,
		"ticker", order.Ticker,
		"entry_price", entryPrice.String(),
		"duration", req.Duration,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "order_submitted",
			Ticker:    order.Ticker,
			Price:     entryPrice.String(),
			OrderID:   order.ID,
			UserID:    req.UserID,
			Direction: req.Direction,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// GetActiveOrders handles GET /api/v1/users/{userID}/orders/active
//
// Expired orders found here are settled on the spot as a loss of the full
// stake, then dropped from the response. The expiry check runs before the
// response is built so a stale client never sees an order past its
// deadline as still active.
func (s *Service) GetActiveOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	orders, err := s.store.ListActiveOrdersByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to list active orders", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	active := []ActiveOrder{}
	for i := range orders {
		o := orders[i]
		if !o.ExpiresAt().After(now) {
			s.settleExpired(ctx, &o)
			continue
		}
		active = append(active, ActiveOrder{
			Order:                o,
			TimeRemainingSeconds: int64(o.ExpiresAt().Sub(now).Seconds()),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":  active,
		"count": len(active),
	})
}

// settleExpired closes an order whose duration elapsed as a loss of the
// full stake. The close is the compare-and-set transition; if another path
// already settled the order the ledger is left untouched.
func (s *Service) settleExpired(ctx context.Context, o *model.Order) {
	ok, err := s.store.CloseOrder(ctx, o.ID, o.CurrentPrice,
		settle.PnLPercent(o.Direction, o.EntryPrice, o.CurrentPrice),
		model.LossOutcome(o.Quantity))
	if err != nil {
		slog.Error("failed to close expired order", "order_id", o.ID, "err", err)
		return
	}
	if !ok {
		// Lost the race against the sweep or a manual close.
		return
	}

	if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
		UserID:    o.UserID,
		Currency:  model.SettlementCurrency,
		Operation: ledger.OpSubtract,
		Amount:    o.Quantity,
		Type:      model.TxSettlement,
		Status:    model.TxSuccess,
		Reason:    "order expired",
	}); err != nil {
		slog.Error("failed to debit expired order stake", "order_id", o.ID, "err", err)
	}

	metrics.ActiveOrders.Dec()
	metrics.OrdersSettled.WithLabelValues(model.OutcomeLoss, "expiry").Inc()
	slog.Info("expired order settled as loss",
		"order_id", o.ID, "user", o.UserID, "stake", o.Quantity.String())
}

// GetOrderHistory handles GET /api/v1/users/{userID}/orders
func (s *Service) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	orders, err := s.store.ListOrdersByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":  orders,
		"count": len(orders),
	})
}

// CloseOrder handles POST /api/v1/orders/{orderID}/close
//
// A manual close records the exit price and signed PnL percentage but does
// not move the balance; only sweep, expiry, and admin settlement touch the
// ledger.
func (s *Service) CloseOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req CloseOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if order.UserID != req.UserID {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if order.Status != model.OrderActive {
		writeError(w, "order not found or already closed", http.StatusNotFound)
		return
	}

	pair, err := symbol.Parse(order.Ticker)
	if err != nil {
		writeError(w, "order has invalid ticker", http.StatusInternalServerError)
		return
	}
	exitPrice, err := s.resolver.Resolve(ctx, pair)
	if err != nil {
		writeError(w, "failed to get current price", http.StatusBadRequest)
		return
	}

	pnl := settle.PnLPercent(order.Direction, order.EntryPrice, exitPrice)
	magnitude := order.Quantity.Mul(pnl.Abs()).Div(decimal.NewFromInt(100))
	var outcome model.Outcome
	if settle.IsProfitable(order.Direction, order.EntryPrice, exitPrice) {
		outcome = model.ProfitOutcome(magnitude)
	} else {
		outcome = model.LossOutcome(magnitude)
	}

	ok, err := s.store.CloseOrder(ctx, orderID, exitPrice, pnl, outcome)
	if err != nil {
		writeError(w, "failed to close order", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeError(w, "order already settled", http.StatusConflict)
		return
	}

	metrics.ActiveOrders.Dec()
	metrics.OrdersSettled.WithLabelValues(outcome.Kind, "close").Inc()
	slog.Info("order closed",
		"order_id", orderID,
		"user", req.UserID,
		"exit_price", exitPrice.String(),
		"pnl", pnl.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "order_closed",
			Ticker:  order.Ticker,
			Price:   exitPrice.String(),
			OrderID: orderID,
			UserID:  req.UserID,
			Outcome: outcome.Kind,
			Amount:  outcome.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"order_id":    orderID,
		"direction":   order.Direction,
		"ticker":      order.Ticker,
		"entry_price": order.EntryPrice,
		"exit_price":  exitPrice,
		"pnl":         pnl,
		"outcome":     outcome,
		"status":      model.OrderClosed,
	})
}

// --- Swap ---

// Swap handles POST /api/v1/swap
//
// The rate is resolved for the direct pair first; when only the reverse
// pair is quoted the reciprocal is used. Each leg moves through the ledger
// and journals its own swap entry.
func (s *Service) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.From == "" || req.To == "" || !req.Amount.IsPositive() {
		writeError(w, "invalid swap parameters", http.StatusBadRequest)
		return
	}
	pair := symbol.Join(req.From, req.To)
	if pair.Base == pair.Quote {
		writeError(w, "invalid swap parameters", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	from, err := s.store.GetBalance(ctx, req.UserID, pair.Base)
	if err != nil || from.Amount.LessThan(req.Amount) {
		writeError(w, "insufficient "+pair.Base+" balance", http.StatusBadRequest)
		return
	}

	rate, err := s.swapRate(ctx, pair)
	if err != nil {
		writeError(w, "unable to fetch price for swap", http.StatusBadRequest)
		return
	}
	received := req.Amount.Mul(rate)

	if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
		UserID:    req.UserID,
		Currency:  pair.Base,
		Operation: ledger.OpSubtract,
		Amount:    req.Amount,
		Type:      model.TxSwap,
		Status:    model.TxCompleted,
		From:      pair.Base,
		To:        pair.Quote,
	}); err != nil {
		writeError(w, "failed to debit swap source", http.StatusInternalServerError)
		return
	}
	if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
		UserID:    req.UserID,
		Currency:  pair.Quote,
		Operation: ledger.OpAdd,
		Amount:    received,
		Type:      model.TxSwap,
		Status:    model.TxCompleted,
		From:      pair.Base,
		To:        pair.Quote,
	}); err != nil {
		writeError(w, "failed to credit swap target", http.StatusInternalServerError)
		return
	}

	slog.Info("swap executed",
		"user", req.UserID,
		"from", pair.Base,
		"to", pair.Quote,
		"amount", req.Amount.String(),
		"received", received.String(),
		"rate", rate.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SwapResponse{
		From:           pair.Base,
		To:             pair.Quote,
		AmountSwapped:  req.Amount,
		AmountReceived: received,
		Price:          rate,
	})
}

// swapRate returns the base-to-quote conversion rate: the direct pair's
// price, or the reciprocal of the reverse pair when only that one is
// quoted.
func (s *Service) swapRate(ctx context.Context, pair symbol.Pair) (decimal.Decimal, error) {
	if p, err := s.resolver.Resolve(ctx, pair); err == nil {
		return p, nil
	}
	p, err := s.resolver.Resolve(ctx, pair.Reverse())
	if err != nil {
		return decimal.Decimal{}, err
	}
	return symbol.Reciprocal(p), nil
}

// --- Balances and histories ---

// GetBalances handles GET /api/v1/users/{userID}/balances
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balances, err := s.store.ListBalances(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list balances", http.StatusInternalServerError)
		return
	}
	if balances == nil {
		balances = []model.Balance{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balances)
}

// GetTransactions handles GET /api/v1/users/{userID}/transactions
// Optional filters: ?type=, ?currency=, ?status=.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	txs, err := s.store.ListTransactions(r.Context(), userID, store.TxFilter{
		Type:     q.Get("type"),
		Currency: q.Get("currency"),
		Status:   q.Get("status"),
	})
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":  txs,
		"count": len(txs),
	})
}

// GetPrice handles GET /api/v1/prices/{base}/{quote}
// Returns the tracked price and bounded history; an untracked ticker is
// resolved live.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	pair, err := symbol.Parse(chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote"))
	if err != nil {
		writeError(w, "invalid ticker", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	tracker, err := s.store.GetPriceTracker(ctx, pair.String())
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tracker)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		writeError(w, "failed to load price", http.StatusInternalServerError)
		return
	}

	p, err := s.resolver.Resolve(ctx, pair)
	if err != nil {
		writeError(w, "failed to resolve price", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.PriceTracker{
		Ticker:       pair.String(),
		CurrentPrice: p,
		LastUpdated:  time.Now().UTC(),
	})
}

// --- Admin handlers ---

// AdminSettleOrder handles POST /api/v1/admin/orders/{orderID}/settle
//
// The override settles an active (or pending_profit) order regardless of
// the market: profit credits stake times the payout percentage, loss
// debits the stake.
func (s *Service) AdminSettleOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req AdminSettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Outcome != model.OutcomeProfit && req.Outcome != model.OutcomeLoss {
		writeError(w, `outcome must be "profit" or "loss"`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if order.Status != model.OrderActive && order.Status != model.OrderPendingProfit {
		writeError(w, "order is not settleable", http.StatusConflict)
		return
	}

	var outcome model.Outcome
	var pnl decimal.Decimal
	var op string
	if req.Outcome == model.OutcomeProfit {
		payout := settle.AdminPayout(order.Quantity, order.Percentage)
		outcome = model.ProfitOutcome(payout)
		pnl = order.Percentage
		op = ledger.OpAdd
	} else {
		outcome = model.LossOutcome(order.Quantity)
		pnl = decimal.NewFromInt(-100)
		op = ledger.OpSubtract
	}

	ok, err := s.store.CloseOrder(ctx, orderID, order.CurrentPrice, pnl, outcome)
	if err != nil {
		writeError(w, "failed to settle order", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeError(w, "order already settled", http.StatusConflict)
		return
	}

	if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
		UserID:    order.UserID,
		Currency:  model.SettlementCurrency,
		Operation: op,
		Amount:    outcome.Amount,
		Type:      model.TxSettlement,
		Status:    model.TxSuccess,
		Reason:    "admin settlement",
	}); err != nil {
		writeError(w, "failed to apply settlement to balance", http.StatusInternalServerError)
		return
	}

	metrics.ActiveOrders.Dec()
	metrics.OrdersSettled.WithLabelValues(outcome.Kind, "admin").Inc()
	slog.Info("order settled by admin",
		"order_id", orderID,
		"user", order.UserID,
		"outcome", outcome.Kind,
		"amount", outcome.Amount.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "order_settled",
			Ticker:  order.Ticker,
			OrderID: orderID,
			UserID:  order.UserID,
			Outcome: outcome.Kind,
			Amount:  outcome.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"order_id": orderID,
		"outcome":  outcome,
		"pnl":      pnl,
		"status":   model.OrderClosed,
	})
}

// AdminAdjustBalance handles POST /api/v1/admin/users/{userID}/balance
func (s *Service) AdminAdjustBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AdminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		writeError(w, "currency is required", http.StatusBadRequest)
		return
	}
	if req.Operation != ledger.OpAdd && req.Operation != ledger.OpSubtract {
		writeError(w, `operation must be "add" or "subtract"`, http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	balance, tx, err := s.ledger.Apply(r.Context(), ledger.Entry{
		UserID:    userID,
		Currency:  req.Currency,
		Network:   req.Network,
		Operation: req.Operation,
		Amount:    req.Amount,
		Type:      model.TxAdminDeposit,
		Status:    model.TxCompleted,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, "failed to adjust balance", http.StatusInternalServerError)
		return
	}

	slog.Info("admin balance adjustment",
		"user", userID,
		"currency", req.Currency,
		"operation", req.Operation,
		"amount", req.Amount.String(),
		"reason", req.Reason,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"balance":     balance,
		"transaction": tx,
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
