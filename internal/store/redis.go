package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only the hot read paths
// (balances and price trackers) are cached; everything else passes through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Balances (cached, invalidated on every delta) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceCacheKey(userID, currency)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID, currency)
	if err != nil {
		return nil, err
	}

	s.cacheBalance(ctx, b)
	return b, nil
}

func (s *CachedStore) ApplyBalanceDelta(ctx context.Context, userID, currency, network string, delta decimal.Decimal) (model.Balance, bool, error) {
	b, clamped, err := s.primary.ApplyBalanceDelta(ctx, userID, currency, network, delta)
	if err != nil {
		return model.Balance{}, false, err
	}
	// Re-cache the fresh value rather than just invalidating: the next
	// reader is usually the settlement path that triggered the write.
	s.cacheBalance(ctx, &b)
	return b, clamped, nil
}

// --- Price trackers (cached, refreshed on every upsert) ---

func (s *CachedStore) GetPriceTracker(ctx context.Context, ticker string) (*model.PriceTracker, error) {
	data, err := s.rdb.Get(ctx, trackerCacheKey(ticker)).Bytes()
	if err == nil {
		var t model.PriceTracker
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetPriceTracker(ctx, ticker)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, trackerCacheKey(ticker), data, s.ttl)
	}
	return t, nil
}

func (s *CachedStore) UpsertPriceTracker(ctx context.Context, ticker string, price decimal.Decimal, at time.Time) error {
	if err := s.primary.UpsertPriceTracker(ctx, ticker, price, at); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the full history.
	s.rdb.Del(ctx, trackerCacheKey(ticker))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	return s.primary.ListBalances(ctx, userID)
}

func (s *CachedStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, tx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string, filter TxFilter) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID, filter)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID)
}

func (s *CachedStore) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListActiveOrders(ctx)
}

func (s *CachedStore) ListActiveOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListActiveOrdersByUser(ctx, userID)
}

func (s *CachedStore) CloseOrder(ctx context.Context, id string, currentPrice, pnl decimal.Decimal, outcome model.Outcome) (bool, error) {
	return s.primary.CloseOrder(ctx, id, currentPrice, pnl, outcome)
}

func (s *CachedStore) CreateDepositRequest(ctx context.Context, req *model.DepositRequest) error {
	return s.primary.CreateDepositRequest(ctx, req)
}

func (s *CachedStore) GetDepositRequest(ctx context.Context, id string) (*model.DepositRequest, error) {
	return s.primary.GetDepositRequest(ctx, id)
}

func (s *CachedStore) ListDepositRequests(ctx context.Context, userID string) ([]model.DepositRequest, error) {
	return s.primary.ListDepositRequests(ctx, userID)
}

func (s *CachedStore) SetDepositRequestStatus(ctx context.Context, id, status string) error {
	return s.primary.SetDepositRequestStatus(ctx, id, status)
}

func (s *CachedStore) CreateWithdrawRequest(ctx context.Context, req *model.WithdrawRequest) error {
	return s.primary.CreateWithdrawRequest(ctx, req)
}

func (s *CachedStore) GetWithdrawRequest(ctx context.Context, id string) (*model.WithdrawRequest, error) {
	return s.primary.GetWithdrawRequest(ctx, id)
}

func (s *CachedStore) ListWithdrawRequests(ctx context.Context, userID string) ([]model.WithdrawRequest, error) {
	return s.primary.ListWithdrawRequests(ctx, userID)
}

func (s *CachedStore) SetWithdrawRequestStatus(ctx context.Context, id, status string) error {
	return s.primary.SetWithdrawRequestStatus(ctx, id, status)
}

// --- Cache helpers ---

func (s *CachedStore) cacheBalance(ctx context.Context, b *model.Balance) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceCacheKey(b.UserID, b.Currency), data, s.ttl)
	}
}

func balanceCacheKey(userID, currency string) string {
	return fmt.Sprintf("balance:%s:%s", userID, currency)
}

func trackerCacheKey(ticker string) string {
	return fmt.Sprintf("tracker:%s", ticker)
}
