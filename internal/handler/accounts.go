package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/middleware"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

// AccountLedger is the ledger surface exposed over HTTP.
type AccountLedger interface {
	Open(ctx context.Context, userID string, guest bool) (model.Account, error)
	Grant(ctx context.Context, userID string, credits decimal.Decimal, paymentID string) (*ledger.Receipt, error)
	RaiseAllowance(ctx context.Context, userID string, n int) (model.Account, error)
	Costs() ledger.CostTable
}

// AccountView is an account with its derived balances.
type AccountView struct {
	model.Account
	FreeRemaining int `json:"free_remaining"`
}

// AccountHandler handles entitlement endpoints.
type AccountHandler struct {
	ledger AccountLedger
	logger *logger.Logger
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(l AccountLedger, log *logger.Logger) *AccountHandler {
	return &AccountHandler{
		ledger: l,
		logger: logger.OrGlobal(log),
	}
}

// Me handles GET /api/v1/account
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acct, err := h.ledger.Open(ctx, middleware.GetUserID(ctx), middleware.IsGuest(ctx))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountView{Account: acct, FreeRemaining: acct.FreeRemaining()})
}

// Costs handles GET /api/v1/features
func (h *AccountHandler) Costs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Costs())
}

// Grant handles POST /api/v1/accounts/:userID/grants
// Replaying the same payment id returns the original receipt.
func (h *AccountHandler) Grant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PaymentID == "" {
		writeError(w, http.StatusBadRequest, "payment_id is required")
		return
	}

	receipt, err := h.ledger.Grant(ctx, userID, req.Credits, req.PaymentID)
	if errors.Is(err, ledger.ErrAlreadyCharged) && receipt != nil {
		writeJSON(w, http.StatusOK, receipt)
		return
	}
	if err != nil {
		h.logger.Warn("grant rejected",
			zap.String("user_id", userID),
			zap.String("payment_id", req.PaymentID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// RaiseAllowance handles POST /api/v1/accounts/:userID/allowance
func (h *AccountHandler) RaiseAllowance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.AllowanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := h.ledger.RaiseAllowance(ctx, userID, req.Additional)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountView{Account: acct, FreeRemaining: acct.FreeRemaining()})
}
