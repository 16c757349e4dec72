package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Balance deltas are applied inside SQL (GREATEST(0, amount + delta)) under
// a row lock, never as application-level read-modify-write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	var b model.Balance
	var amount string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, currency, network, amount::TEXT, created_at, updated_at
		 FROM balances WHERE user_id = $1 AND currency = $2`,
		userID, currency).
		Scan(&b.ID, &b.UserID, &b.Currency, &b.Network, &amount, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("balance %s/%s: %w", userID, currency, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", userID, currency, err)
	}

	b.Amount, _ = decimal.NewFromString(amount)
	return &b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, currency, network, amount::TEXT, created_at, updated_at
		 FROM balances WHERE user_id = $1 ORDER BY currency`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		var amount string
		if err := rows.Scan(&b.ID, &b.UserID, &b.Currency, &b.Network, &amount,
			&b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amount)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyBalanceDelta(ctx context.Context, userID, currency, network string, delta decimal.Decimal) (model.Balance, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Balance{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lazy creation: the row must exist before the locked update.
	_, err = tx.Exec(ctx,
		`INSERT INTO balances (user_id, currency, network, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, NOW(), NOW())
		 ON CONFLICT (user_id, currency) DO NOTHING`,
		userID, currency, network)
	if err != nil {
		return model.Balance{}, false, fmt.Errorf("ensure balance: %w", err)
	}

	var b model.Balance
	var newAmount, oldAmount string
	err = tx.QueryRow(ctx,
		`UPDATE balances b
		 SET amount = GREATEST(0, b.amount + $3::NUMERIC), updated_at = NOW()
		 FROM (SELECT id, amount FROM balances
		       WHERE user_id = $1 AND currency = $2 FOR UPDATE) old
		 WHERE b.id = old.id
		 RETURNING b.id, b.network, b.amount::TEXT, old.amount::TEXT, b.created_at, b.updated_at`,
		userID, currency, delta.String()).
		Scan(&b.ID, &b.Network, &newAmount, &oldAmount, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return model.Balance{}, false, fmt.Errorf("apply delta %s/%s: %w", userID, currency, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Balance{}, false, fmt.Errorf("commit: %w", err)
	}

	b.UserID = userID
	b.Currency = currency
	b.Amount, _ = decimal.NewFromString(newAmount)
	old, _ := decimal.NewFromString(oldAmount)
	clamped := old.Add(delta).IsNegative()
	return b, clamped, nil
}

// --- Journal ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, currency, network, amount, type, status, reason, from_currency, to_currency, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.UserID, t.Currency, t.Network, t.Amount.String(),
		t.Type, t.Status, t.Reason, t.From, t.To, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, filter TxFilter) ([]model.Transaction, error) {
	query := `SELECT id, user_id, currency, network, amount::TEXT, type, status, reason, from_currency, to_currency, created_at
	          FROM transactions WHERE user_id = $1`
	args := []any{userID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Currency != "" {
		args = append(args, filter.Currency)
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Currency, &t.Network, &amount,
			&t.Type, &t.Status, &t.Reason, &t.From, &t.To, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Orders ---

const orderColumns = `id, user_id, direction, ticker,
	entry_price::TEXT, current_price::TEXT, duration, display_duration,
	percentage::TEXT, quantity::TEXT, outcome_kind, outcome_amount::TEXT,
	pnl::TEXT, status, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, direction, ticker, entry_price, current_price,
		                     duration, display_duration, percentage, quantity,
		                     outcome_kind, outcome_amount, pnl, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9::NUMERIC, $10::NUMERIC,
		         $11, $12::NUMERIC, $13::NUMERIC, $14, $15, $16)`,
		o.ID, o.UserID, o.Direction, o.Ticker,
		o.EntryPrice.String(), o.CurrentPrice.String(),
		o.Duration, o.DisplayDuration,
		o.Percentage.String(), o.Quantity.String(),
		o.Outcome.Kind, o.Outcome.Amount.String(),
		o.PnL.String(), o.Status, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'active' ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListActiveOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND status = 'active' ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CloseOrder is the terminal transition. The status predicate makes it a
// compare-and-set: when a sweep and a manual close race, exactly one
// writer flips the row and the other sees ok=false.
func (s *PostgresStore) CloseOrder(ctx context.Context, id string, currentPrice, pnl decimal.Decimal, outcome model.Outcome) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = 'closed',
		     current_price = $2::NUMERIC,
		     pnl = $3::NUMERIC,
		     outcome_kind = $4,
		     outcome_amount = $5::NUMERIC,
		     updated_at = NOW()
		 WHERE id = $1 AND status IN ('active', 'pending_profit')`,
		id, currentPrice.String(), pnl.String(), outcome.Kind, outcome.Amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("close order %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// pgxRow lets scanOrder work for both QueryRow and rows.Next loops.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var entry, current, percentage, quantity, outcomeAmount, pnl string

	if err := row.Scan(&o.ID, &o.UserID, &o.Direction, &o.Ticker,
		&entry, &current, &o.Duration, &o.DisplayDuration,
		&percentage, &quantity, &o.Outcome.Kind, &outcomeAmount,
		&pnl, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}

	o.EntryPrice, _ = decimal.NewFromString(entry)
	o.CurrentPrice, _ = decimal.NewFromString(current)
	o.Percentage, _ = decimal.NewFromString(percentage)
	o.Quantity, _ = decimal.NewFromString(quantity)
	o.Outcome.Amount, _ = decimal.NewFromString(outcomeAmount)
	o.PnL, _ = decimal.NewFromString(pnl)
	return &o, nil
}

// --- Price trackers ---

func (s *PostgresStore) UpsertPriceTracker(ctx context.Context, ticker string, price decimal.Decimal, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO price_trackers (ticker, current_price, last_updated)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (ticker) DO UPDATE
		 SET current_price = EXCLUDED.current_price, last_updated = EXCLUDED.last_updated`,
		ticker, price.String(), at)
	if err != nil {
		return fmt.Errorf("upsert tracker %s: %w", ticker, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO price_history (ticker, price, sampled_at) VALUES ($1, $2::NUMERIC, $3)`,
		ticker, price.String(), at)
	if err != nil {
		return fmt.Errorf("append history %s: %w", ticker, err)
	}

	// Keep only the most recent samples.
	_, err = tx.Exec(ctx,
		`DELETE FROM price_history
		 WHERE ticker = $1 AND id NOT IN (
		     SELECT id FROM price_history
		     WHERE ticker = $1 ORDER BY sampled_at DESC LIMIT $2)`,
		ticker, model.MaxPriceHistory)
	if err != nil {
		return fmt.Errorf("trim history %s: %w", ticker, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPriceTracker(ctx context.Context, ticker string) (*model.PriceTracker, error) {
	var t model.PriceTracker
	var price string

	err := s.pool.QueryRow(ctx,
		`SELECT ticker, current_price::TEXT, last_updated
		 FROM price_trackers WHERE ticker = $1`, ticker).
		Scan(&t.Ticker, &price, &t.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tracker %s: %w", ticker, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tracker %s: %w", ticker, err)
	}
	t.CurrentPrice, _ = decimal.NewFromString(price)

	rows, err := s.pool.Query(ctx,
		`SELECT price::TEXT, sampled_at FROM price_history
		 WHERE ticker = $1 ORDER BY sampled_at`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p model.PricePoint
		var ps string
		if err := rows.Scan(&ps, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(ps)
		t.History = append(t.History, p)
	}
	return &t, rows.Err()
}

// --- Deposit requests ---

func (s *PostgresStore) CreateDepositRequest(ctx context.Context, r *model.DepositRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposit_requests (id, user_id, currency, network, amount, status, first_time, referrer, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		r.ID, r.UserID, r.Currency, r.Network, r.Amount.String(),
		r.Status, r.FirstTime, r.Referrer, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetDepositRequest(ctx context.Context, id string) (*model.DepositRequest, error) {
	var r model.DepositRequest
	var amount string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, currency, network, amount::TEXT, status, first_time, referrer, created_at, updated_at
		 FROM deposit_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.Currency, &r.Network, &amount,
			&r.Status, &r.FirstTime, &r.Referrer, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deposit request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit request %s: %w", id, err)
	}
	r.Amount, _ = decimal.NewFromString(amount)
	return &r, nil
}

func (s *PostgresStore) ListDepositRequests(ctx context.Context, userID string) ([]model.DepositRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, currency, network, amount::TEXT, status, first_time, referrer, created_at, updated_at
		 FROM deposit_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DepositRequest
	for rows.Next() {
		var r model.DepositRequest
		var amount string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Currency, &r.Network, &amount,
			&r.Status, &r.FirstTime, &r.Referrer, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amount)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetDepositRequestStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deposit_requests SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set deposit status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deposit request %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Withdraw requests ---

func (s *PostgresStore) CreateWithdrawRequest(ctx context.Context, r *model.WithdrawRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO withdraw_requests (id, user_id, currency, network, address, amount, final_amount, service_charge, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		r.ID, r.UserID, r.Currency, r.Network, r.Address,
		r.Amount.String(), r.FinalAmount.String(), r.ServiceCharge.String(),
		r.Status, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetWithdrawRequest(ctx context.Context, id string) (*model.WithdrawRequest, error) {
	var r model.WithdrawRequest
	var amount, finalAmount, charge string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, currency, network, address, amount::TEXT, final_amount::TEXT, service_charge::TEXT, status, created_at, updated_at
		 FROM withdraw_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.Currency, &r.Network, &r.Address,
			&amount, &finalAmount, &charge, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("withdraw request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get withdraw request %s: %w", id, err)
	}
	r.Amount, _ = decimal.NewFromString(amount)
	r.FinalAmount, _ = decimal.NewFromString(finalAmount)
	r.ServiceCharge, _ = decimal.NewFromString(charge)
	return &r, nil
}

func (s *PostgresStore) ListWithdrawRequests(ctx context.Context, userID string) ([]model.WithdrawRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, currency, network, address, amount::TEXT, final_amount::TEXT, service_charge::TEXT, status, created_at, updated_at
		 FROM withdraw_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawRequest
	for rows.Next() {
		var r model.WithdrawRequest
		var amount, finalAmount, charge string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Currency, &r.Network, &r.Address,
			&amount, &finalAmount, &charge, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amount)
		r.FinalAmount, _ = decimal.NewFromString(finalAmount)
		r.ServiceCharge, _ = decimal.NewFromString(charge)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetWithdrawRequestStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE withdraw_requests SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set withdraw status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdraw request %s: %w", id, ErrNotFound)
	}
	return nil
}
