// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order direction.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Order lifecycle states. Closed and cancelled are terminal: no transition
// ever leaves them. PendingProfit is a reserved substate the admin override
// may settle from.
const (
	OrderActive        = "active"
	OrderClosed        = "closed"
	OrderCancelled     = "cancelled"
	OrderPendingProfit = "pending_profit"
)

// Transaction journal types.
const (
	TxDeposit       = "deposit"
	TxWithdraw      = "withdraw"
	TxReferralBonus = "referral_bonus"
	TxAdminDeposit  = "admin_deposit"
	TxSwap          = "swap"
	TxSettlement    = "settlement"
)

// Transaction journal statuses.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
	TxDeleted   = "deleted"
	TxSuccess   = "success"
)

// Outcome kinds. See Outcome.
const (
	OutcomePending = "pending"
	OutcomeProfit  = "profit"
	OutcomeLoss    = "loss"
)

// Balance is the mutable funds record for one (user, currency) pair.
// Created lazily on first reference, never deleted. Amount never goes
// negative: subtractions that would cross zero are clamped (a named,
// counted outcome — see ledger.Apply).
type Balance struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Network   string          `json:"network,omitempty" db:"network"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable journal entry recording one balance mutation.
// Once written these are never updated or deleted — they are the audit
// trail, not a working set.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Network   string          `json:"network" db:"network"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Type      string          `json:"type" db:"type"`
	Status    string          `json:"status" db:"status"`
	Reason    string          `json:"reason,omitempty" db:"reason"`
	From      string          `json:"from,omitempty" db:"from_currency"`
	To        string          `json:"to,omitempty" db:"to_currency"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Outcome is the settlement result attached to an order: Pending until the
// order is settled, then Profit or Loss with the settled magnitude. It
// replaces the overloaded action/amount string fields of earlier revisions
// so no field carries two meanings.
type Outcome struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// PendingOutcome is the outcome of a freshly submitted order.
func PendingOutcome() Outcome {
	return Outcome{Kind: OutcomePending}
}

// ProfitOutcome records a settled gain of the given magnitude.
func ProfitOutcome(amount decimal.Decimal) Outcome {
	return Outcome{Kind: OutcomeProfit, Amount: amount}
}

// LossOutcome records a settled loss of the given magnitude.
func LossOutcome(amount decimal.Decimal) Outcome {
	return Outcome{Kind: OutcomeLoss, Amount: amount}
}

// Settled reports whether the outcome carries a final result.
func (o Outcome) Settled() bool {
	return o.Kind == OutcomeProfit || o.Kind == OutcomeLoss
}

// Order is a timed directional bet against an externally observed price.
// Percentage is the payout multiplier fixed by the chosen duration at
// submission time; Quantity is the stake. PnL is the signed settled result.
type Order struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Direction       string          `json:"direction" db:"direction"`
	Ticker          string          `json:"ticker" db:"ticker"`
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	Duration        string          `json:"duration" db:"duration"`
	DisplayDuration string          `json:"display_duration,omitempty" db:"display_duration"`
	Percentage      decimal.Decimal `json:"percentage" db:"percentage"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	Outcome         Outcome         `json:"outcome"`
	PnL             decimal.Decimal `json:"pnl" db:"pnl"`
	Status          string          `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the order has left the active state for good.
func (o *Order) Terminal() bool {
	return o.Status == OrderClosed || o.Status == OrderCancelled
}

// ExpiresAt is the wall-clock instant the order's duration elapses.
// Duration is stored in the "30s" form; a malformed value counts as
// already expired so the sweep can still force-settle the order.
func (o *Order) ExpiresAt() time.Time {
	d, err := time.ParseDuration(o.Duration)
	if err != nil {
		return o.CreatedAt
	}
	return o.CreatedAt.Add(d)
}

// PricePoint is one sample in a tracker's bounded history.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceTracker is the observability cache of the most recent resolved price
// per ticker. Settlement never reads it — it always uses the value returned
// by the live resolver call.
type PriceTracker struct {
	Ticker       string          `json:"ticker" db:"ticker"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	LastUpdated  time.Time       `json:"last_updated" db:"last_updated"`
	History      []PricePoint    `json:"history,omitempty"`
}

// MaxPriceHistory bounds a tracker's history; the oldest samples are
// evicted first.
const MaxPriceHistory = 100

// DepositRequest is a user-submitted deposit awaiting admin review.
// Completing it credits the user's balance through the ledger.
type DepositRequest struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Network   string          `json:"network" db:"network"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    string          `json:"status" db:"status"`
	FirstTime bool            `json:"first_time" db:"first_time"`
	Referrer  string          `json:"referrer,omitempty" db:"referrer"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// WithdrawRequest is a user-submitted withdrawal awaiting admin review.
// FinalAmount is Amount minus the service charge taken at creation time.
type WithdrawRequest struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Currency      string          `json:"currency" db:"currency"`
	Network       string          `json:"network" db:"network"`
	Address       string          `json:"address" db:"address"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	FinalAmount   decimal.Decimal `json:"final_amount" db:"final_amount"`
	ServiceCharge decimal.Decimal `json:"service_charge" db:"service_charge"`
	Status        string          `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultNetwork is used when a ledger call does not name a network.
const DefaultNetwork = "TRC20"

// SettlementCurrency is the currency orders stake and settle in.
const SettlementCurrency = "USDT"
