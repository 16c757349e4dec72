// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// TxFilter narrows journal listings. Zero fields match everything.
type TxFilter struct {
	Type     string
	Currency string
	Status   string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Balance arithmetic happens inside the storage layer (atomic increment /
// clamped decrement), never as a read-then-write in application code, so
// two concurrent settlements cannot clobber each other's update.
type Store interface {
	// --- Balances ---

	// GetBalance retrieves the (user, currency) balance.
	GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error)

	// ListBalances returns all balances for a user.
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// ApplyBalanceDelta atomically adds delta to the (user, currency)
	// balance, creating it first if absent. A negative delta that would
	// cross zero is clamped at zero; the returned flag reports the clamp.
	ApplyBalanceDelta(ctx context.Context, userID, currency, network string, delta decimal.Decimal) (model.Balance, bool, error)

	// --- Immutable journal ---

	// InsertTransaction appends an immutable journal entry.
	InsertTransaction(ctx context.Context, tx *model.Transaction) error

	// ListTransactions returns a user's journal entries, newest first.
	ListTransactions(ctx context.Context, userID string, filter TxFilter) ([]model.Transaction, error)

	// --- Orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrdersByUser returns all of a user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// ListActiveOrders returns every order still in the active state.
	ListActiveOrders(ctx context.Context) ([]model.Order, error)

	// ListActiveOrdersByUser returns a user's active orders, newest first.
	ListActiveOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// CloseOrder performs the single terminal transition. It only succeeds
	// if the order is still in active (or pending_profit) state; a losing
	// writer gets ok=false and no error, never a second transition.
	CloseOrder(ctx context.Context, id string, currentPrice, pnl decimal.Decimal, outcome model.Outcome) (bool, error)

	// --- Price trackers ---

	// UpsertPriceTracker records the latest resolved price for a ticker,
	// appending to its bounded history (oldest samples evicted).
	UpsertPriceTracker(ctx context.Context, ticker string, price decimal.Decimal, at time.Time) error

	// GetPriceTracker retrieves the tracker for a ticker.
	GetPriceTracker(ctx context.Context, ticker string) (*model.PriceTracker, error)

	// --- Deposit / withdraw request workflows ---

	CreateDepositRequest(ctx context.Context, req *model.DepositRequest) error
	GetDepositRequest(ctx context.Context, id string) (*model.DepositRequest, error)
	ListDepositRequests(ctx context.Context, userID string) ([]model.DepositRequest, error)
	SetDepositRequestStatus(ctx context.Context, id, status string) error

	CreateWithdrawRequest(ctx context.Context, req *model.WithdrawRequest) error
	GetWithdrawRequest(ctx context.Context, id string) (*model.WithdrawRequest, error)
	ListWithdrawRequests(ctx context.Context, userID string) ([]model.WithdrawRequest, error)
	SetWithdrawRequestStatus(ctx context.Context, id, status string) error
}
