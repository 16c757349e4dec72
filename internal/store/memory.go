package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). All balance
// arithmetic happens under one mutex, which gives the same atomicity the
// SQL increments give the PostgreSQL implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]*model.Balance // key: userID + "/" + currency
	journal   []model.Transaction
	orders    map[string]*model.Order
	trackers  map[string]*model.PriceTracker
	deposits  map[string]*model.DepositRequest
	withdraws map[string]*model.WithdrawRequest
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]*model.Balance),
		orders:    make(map[string]*model.Order),
		trackers:  make(map[string]*model.PriceTracker),
		deposits:  make(map[string]*model.DepositRequest),
		withdraws: make(map[string]*model.WithdrawRequest),
	}
}

func balanceKey(userID, currency string) string {
	return userID + "/" + currency
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID, currency string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[balanceKey(userID, currency)]
	if !ok {
		return nil, fmt.Errorf("balance %s/%s: %w", userID, currency, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Balance
	for _, b := range s.balances {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *MemoryStore) ApplyBalanceDelta(_ context.Context, userID, currency, network string, delta decimal.Decimal) (model.Balance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := balanceKey(userID, currency)
	b, ok := s.balances[key]
	if !ok {
		b = &model.Balance{
			ID:        uuid.New().String(),
			UserID:    userID,
			Currency:  currency,
			Network:   network,
			Amount:    decimal.Zero,
			CreatedAt: now,
		}
		s.balances[key] = b
	}

	next := b.Amount.Add(delta)
	clamped := false
	if next.IsNegative() {
		next = decimal.Zero
		clamped = true
	}
	b.Amount = next
	b.UpdatedAt = now

	return *b, clamped, nil
}

// --- Journal ---

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, filter TxFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for i := len(s.journal) - 1; i >= 0; i-- {
		tx := s.journal[i]
		if tx.UserID != userID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Currency != "" && tx.Currency != filter.Currency {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListActiveOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status == model.OrderActive {
			out = append(out, *o)
		}
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListActiveOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.Status == model.OrderActive {
			out = append(out, *o)
		}
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) CloseOrder(_ context.Context, id string, currentPrice, pnl decimal.Decimal, outcome model.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	// Terminal guard: the losing writer of a close race gets a no-op.
	if o.Status != model.OrderActive && o.Status != model.OrderPendingProfit {
		return false, nil
	}

	o.Status = model.OrderClosed
	o.CurrentPrice = currentPrice
	o.PnL = pnl
	o.Outcome = outcome
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func sortOrdersNewestFirst(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

// --- Price trackers ---

func (s *MemoryStore) UpsertPriceTracker(_ context.Context, ticker string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[ticker]
	if !ok {
		t = &model.PriceTracker{Ticker: ticker}
		s.trackers[ticker] = t
	}
	t.CurrentPrice = price
	t.LastUpdated = at
	t.History = append(t.History, model.PricePoint{Price: price, Timestamp: at})
	if len(t.History) > model.MaxPriceHistory {
		t.History = t.History[len(t.History)-model.MaxPriceHistory:]
	}
	return nil
}

func (s *MemoryStore) GetPriceTracker(_ context.Context, ticker string) (*model.PriceTracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trackers[ticker]
	if !ok {
		return nil, fmt.Errorf("tracker %s: %w", ticker, ErrNotFound)
	}
	copy := *t
	copy.History = append([]model.PricePoint(nil), t.History...)
	return &copy, nil
}

// --- Deposit requests ---

func (s *MemoryStore) CreateDepositRequest(_ context.Context, req *model.DepositRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *req
	s.deposits[req.ID] = &copy
	return nil
}

func (s *MemoryStore) GetDepositRequest(_ context.Context, id string) (*model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.deposits[id]
	if !ok {
		return nil, fmt.Errorf("deposit request %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListDepositRequests(_ context.Context, userID string) ([]model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DepositRequest
	for _, r := range s.deposits {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetDepositRequestStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.deposits[id]
	if !ok {
		return fmt.Errorf("deposit request %s: %w", id, ErrNotFound)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Withdraw requests ---

func (s *MemoryStore) CreateWithdrawRequest(_ context.Context, req *model.WithdrawRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *req
	s.withdraws[req.ID] = &copy
	return nil
}

func (s *MemoryStore) GetWithdrawRequest(_ context.Context, id string) (*model.WithdrawRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.withdraws[id]
	if !ok {
		return nil, fmt.Errorf("withdraw request %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListWithdrawRequests(_ context.Context, userID string) ([]model.WithdrawRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WithdrawRequest
	for _, r := range s.withdraws {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetWithdrawRequestStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.withdraws[id]
	if !ok {
		return fmt.Errorf("withdraw request %s: %w", id, ErrNotFound)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}
