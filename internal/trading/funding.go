package trading

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/ledger"
	"github.com/coinharbor/trading-engine/internal/model"
)

// withdrawChargeRate is the service charge withheld from withdrawals.
var withdrawChargeRate = decimal.NewFromFloat(0.01)

// firstDepositBonus multiplies the first completed deposit's credit.
var firstDepositBonus = decimal.NewFromFloat(1.01)

// referralBonusRate is the cut of a first deposit credited to the referrer.
var referralBonusRate = decimal.NewFromFloat(0.01)

// Request statuses shared by deposit and withdraw workflows.
var validRequestStatuses = map[string]bool{
	model.TxPending:   true,
	model.TxCompleted: true,
	model.TxFailed:    true,
	model.TxDeleted:   true,
}

// DepositRequestBody is the JSON body for POST /deposits.
type DepositRequestBody struct {
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Network   string          `json:"network"`
	Amount    decimal.Decimal `json:"amount"`
	FirstTime bool            `json:"first_time"`
	Referrer  string          `json:"referrer"`
}

// WithdrawRequestBody is the JSON body for POST /withdrawals.
type WithdrawRequestBody struct {
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Network  string          `json:"network"`
	Amount   decimal.Decimal `json:"amount"`
	Address  string          `json:"address"`
}

// StatusUpdateRequest is the JSON body for the admin status endpoints.
type StatusUpdateRequest struct {
	Status string `json:"status"`
}

// CreateDepositRequest handles POST /api/v1/deposits
func (s *Service) CreateDepositRequest(w http.ResponseWriter, r *http.Request) {
	var req DepositRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Currency == "" || !req.Amount.IsPositive() {
		writeError(w, "user_id, currency and a positive amount are required", http.StatusBadRequest)
		return
	}
	if req.Network == "" {
		req.Network = model.DefaultNetwork
	}

	now := time.Now().UTC()
	dr := &model.DepositRequest{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Currency:  req.Currency,
		Network:   req.Network,
		Amount:    req.Amount,
		Status:    model.TxPending,
		FirstTime: req.FirstTime,
		Referrer:  req.Referrer,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateDepositRequest(r.Context(), dr); err != nil {
		writeError(w, "failed to create deposit request", http.StatusInternalServerError)
		return
	}

	slog.Info("deposit request created",
		"id", dr.ID, "user", req.UserID, "currency", req.Currency, "amount", req.Amount.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dr)
}

// ListDepositRequests handles GET /api/v1/users/{userID}/deposits
func (s *Service) ListDepositRequests(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	deposits, err := s.store.ListDepositRequests(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list deposit requests", http.StatusInternalServerError)
		return
	}
	if deposits == nil {
		deposits = []model.DepositRequest{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":  deposits,
		"count": len(deposits),
	})
}

// SetDepositRequestStatus handles POST /api/v1/admin/deposits/{requestID}/status
//
// Completing a pending request credits the user. A first deposit is
// credited with a 1% bonus and pays the referrer 1% of the raw amount.
// Failing or deleting a previously completed request reverses the raw
// amount.
func (s *Service) SetDepositRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validRequestStatuses[req.Status] {
		writeError(w, "invalid status", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	dr, err := s.store.GetDepositRequest(ctx, requestID)
	if err != nil {
		writeError(w, "deposit request not found", http.StatusNotFound)
		return
	}
	oldStatus := dr.Status

	if err := s.store.SetDepositRequestStatus(ctx, requestID, req.Status); err != nil {
		writeError(w, "failed to update deposit request", http.StatusInternalServerError)
		return
	}
	dr.Status = req.Status

	switch {
	case req.Status == model.TxCompleted && oldStatus != model.TxCompleted:
		credit := dr.Amount
		if dr.FirstTime {
			credit = dr.Amount.Mul(firstDepositBonus)
		}
		if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
			UserID:    dr.UserID,
			Currency:  dr.Currency,
			Network:   dr.Network,
			Operation: ledger.OpAdd,
			Amount:    credit,
			Type:      model.TxDeposit,
			Status:    model.TxCompleted,
		}); err != nil {
			writeError(w, "failed to credit deposit", http.StatusInternalServerError)
			return
		}
		if dr.FirstTime && dr.Referrer != "" {
			if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
				UserID:    dr.Referrer,
				Currency:  dr.Currency,
				Network:   dr.Network,
				Operation: ledger.OpAdd,
				Amount:    dr.Amount.Mul(referralBonusRate),
				Type:      model.TxReferralBonus,
				Status:    model.TxSuccess,
			}); err != nil {
				slog.Error("failed to credit referral bonus",
					"deposit_id", dr.ID, "referrer", dr.Referrer, "err", err)
			}
		}

	case (req.Status == model.TxFailed || req.Status == model.TxDeleted) && oldStatus == model.TxCompleted:
		if _, _, err := s.ledger.Apply(ctx, ledger.Entry{
			UserID:    dr.UserID,
			Currency:  dr.Currency,
			Network:   dr.Network,
			Operation: ledger.OpSubtract,
			Amount:    dr.Amount,
			Type:      model.TxDeposit,
			Status:    req.Status,
		}); err != nil {
			writeError(w, "failed to reverse deposit", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("deposit request status updated",
		"id", dr.ID, "user", dr.UserID, "from", oldStatus, "to", req.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dr)
}

// CreateWithdrawRequest handles POST /api/v1/withdrawals
//
// The balance is checked but not debited at creation; funds leave the
// account when an admin completes the request.
func (s *Service) CreateWithdrawRequest(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Currency == "" || req.Address == "" || !req.Amount.IsPositive() {
		writeError(w, "user_id, currency, address and a positive amount are required", http.StatusBadRequest)
		return
	}
	if req.Network == "" {
		req.Network = model.DefaultNetwork
	}

	ctx := r.Context()
	bal, err := s.store.GetBalance(ctx, req.UserID, req.Currency)
	if err != nil || bal.Amount.LessThan(req.Amount) {
		writeError(w, "insufficient balance", http.StatusBadRequest)
		return
	}

	charge := req.Amount.Mul(withdrawChargeRate)
	now := time.Now().UTC()
	wr := &model.WithdrawRequest{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Currency:      req.Currency,
		Network:       req.Network,
		Address:       req.Address,
		Amount:        req.Amount,
		FinalAmount:   req.Amount.Sub(charge),
		ServiceCharge: charge,
		Status:        model.TxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateWithdrawRequest(ctx, wr); err != nil {
		writeError(w, "failed to create withdraw request", http.StatusInternalServerError)
		return
	}

	slog.Info("withdraw request created",
		"id", wr.ID, "user", req.UserID, "currency", req.Currency,
		"amount", req.Amount.String(), "final", wr.FinalAmount.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wr)
}

// ListWithdrawRequests handles GET /api/v1/users/{userID}/withdrawals
func (s *Service) ListWithdrawRequests(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	withdrawals, err := s.store.ListWithdrawRequests(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list withdraw requests", http.StatusInternalServerError)
		return
	}
	if withdrawals == nil {
		withdrawals = []model.WithdrawRequest{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":  withdrawals,
		"count": len(withdrawals),
	})
}

// SetWithdrawRequestStatus handles POST /api/v1/admin/withdrawals/{requestID}/status
//
// pending to completed debits the amount, pending to failed credits it
// back, and failed back to pending debits it again. Other transitions only
// change the request status.
func (s *Service) SetWithdrawRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validRequestStatuses[req.Status] {
		writeError(w, "invalid status", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	wr, err := s.store.GetWithdrawRequest(ctx, requestID)
	if err != nil {
		writeError(w, "withdraw request not found", http.StatusNotFound)
		return
	}
	oldStatus := wr.Status

	if err := s.store.SetWithdrawRequestStatus(ctx, requestID, req.Status); err != nil {
		writeError(w, "failed to update withdraw request", http.StatusInternalServerError)
		return
	}
	wr.Status = req.Status

	var entry *ledger.Entry
	switch {
	case req.Status == model.TxCompleted && oldStatus == model.TxPending:
		entry = &ledger.Entry{
			Operation: ledger.OpSubtract,
			Status:    model.TxCompleted,
		}
	case req.Status == model.TxFailed && oldStatus == model.TxPending:
		entry = &ledger.Entry{
			Operation: ledger.OpAdd,
			Status:    model.TxFailed,
		}
	case req.Status == model.TxPending && oldStatus == model.TxFailed:
		entry = &ledger.Entry{
			Operation: ledger.OpSubtract,
			Status:    model.TxPending,
		}
	}
	if entry != nil {
		entry.UserID = wr.UserID
		entry.Currency = wr.Currency
		entry.Network = wr.Network
		entry.Amount = wr.Amount
		entry.Type = model.TxWithdraw
		if _, _, err := s.ledger.Apply(ctx, *entry); err != nil {
			writeError(w, "failed to apply withdraw transition", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("withdraw request status updated",
		"id", wr.ID, "user", wr.UserID, "from", oldStatus, "to", req.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wr)
}
