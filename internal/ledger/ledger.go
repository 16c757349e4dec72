// Package ledger is the single entry point for balance mutations. Every
// credit and debit in the engine funnels through Apply, which adjusts the
// stored balance and then appends one immutable journal entry describing
// the mutation. No other code path writes balances or transactions.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/metrics"
	"github.com/coinharbor/trading-engine/internal/model"
	"github.com/coinharbor/trading-engine/internal/store"
)

// Operations.
const (
	OpAdd      = "add"
	OpSubtract = "subtract"
)

// ErrInvalidOperation is returned for an operation other than add/subtract.
var ErrInvalidOperation = fmt.Errorf("ledger: invalid operation")

// ErrInvalidAmount is returned for a zero or negative amount.
var ErrInvalidAmount = fmt.Errorf("ledger: amount must be positive")

// Entry describes one requested balance mutation. Amount is a positive
// magnitude; Operation says which way it moves. Type/Status/Reason and the
// swap fields are recorded verbatim on the journal entry.
type Entry struct {
	UserID    string
	Currency  string
	Network   string
	Operation string
	Amount    decimal.Decimal

	Type   string
	Status string
	Reason string
	From   string
	To     string
}

// Ledger applies balance mutations and journals them.
type Ledger struct {
	store store.Store
	log   *slog.Logger
}

// New creates a Ledger on top of the given store.
func New(s store.Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: s, log: log}
}

// Apply mutates the (user, currency) balance and records the journal entry.
//
// The balance write commits first; the journal entry is appended after. A
// subtraction that would take the balance below zero is clamped at zero,
// logged, and counted, but still journals the full requested amount. The
// journal records what was asked for, the balance records what remained.
func (l *Ledger) Apply(ctx context.Context, e Entry) (model.Balance, *model.Transaction, error) {
	const op = "ledger.Apply"

	if !e.Amount.IsPositive() {
		return model.Balance{}, nil, fmt.Errorf("%s: %w", op, ErrInvalidAmount)
	}

	currency := strings.ToUpper(strings.TrimSpace(e.Currency))
	network := e.Network
	if network == "" {
		network = model.DefaultNetwork
	}

	var delta decimal.Decimal
	switch e.Operation {
	case OpAdd:
		delta = e.Amount
	case OpSubtract:
		delta = e.Amount.Neg()
	default:
		return model.Balance{}, nil, fmt.Errorf("%s: %w: %q", op, ErrInvalidOperation, e.Operation)
	}

	balance, clamped, err := l.store.ApplyBalanceDelta(ctx, e.UserID, currency, network, delta)
	if err != nil {
		return model.Balance{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	if clamped {
		metrics.LedgerClamps.Inc()
		l.log.Warn("balance subtraction clamped at zero",
			"user_id", e.UserID,
			"currency", currency,
			"requested", e.Amount.String(),
			"type", e.Type,
		)
	}

	tx := &model.Transaction{
		ID:        uuid.New().String(),
		UserID:    e.UserID,
		Currency:  currency,
		Network:   network,
		Amount:    e.Amount,
		Type:      e.Type,
		Status:    e.Status,
		Reason:    e.Reason,
		From:      e.From,
		To:        e.To,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.InsertTransaction(ctx, tx); err != nil {
		// The balance already moved; a lost journal entry is an audit gap,
		// not a funds error. Surface it loudly.
		l.log.Error("journal write failed after balance mutation",
			"user_id", e.UserID,
			"currency", currency,
			"type", e.Type,
			"error", err,
		)
		return balance, nil, fmt.Errorf("%s: journal: %w", op, err)
	}

	metrics.LedgerOps.WithLabelValues(e.Type, e.Operation).Inc()
	return balance, tx, nil
}

// Add credits amount to the (user, currency) balance with the given journal
// type and status.
func (l *Ledger) Add(ctx context.Context, userID, currency string, amount decimal.Decimal, txType, status string) (model.Balance, *model.Transaction, error) {
	return l.Apply(ctx, Entry{
		UserID:    userID,
		Currency:  currency,
		Operation: OpAdd,
		Amount:    amount,
		Type:      txType,
		Status:    status,
	})
}

// Subtract debits amount from the (user, currency) balance with the given
// journal type and status, clamping at zero.
func (l *Ledger) Subtract(ctx context.Context, userID, currency string, amount decimal.Decimal, txType, status string) (model.Balance, *model.Transaction, error) {
	return l.Apply(ctx, Entry{
		UserID:    userID,
		Currency:  currency,
		Operation: OpSubtract,
		Amount:    amount,
		Type:      txType,
		Status:    status,
	})
}
