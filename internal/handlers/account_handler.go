package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/middleware"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/services"
)

type AccountManager interface {
	Open(ctx context.Context, callerID string, req services.OpenAccountRequest) (*models.Account, error)
	RevealNumber(ctx context.Context, callerID, accountID string) (*services.AccountNumbers, error)
	List(ctx context.Context, callerID string) ([]models.Account, error)
	Statement(ctx context.Context, callerID, accountID string, limit int) ([]services.StatementLine, error)
}

type AccountHandler struct {
	service   AccountManager
	validator *services.ValidationHelper
}

func NewAccountHandler(service AccountManager) *AccountHandler {
	return &AccountHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

type openAccountRequest struct {
	Type           string      `json:"type" validate:"required,oneof=CHECKING SAVINGS CREDIT"`
	Currency       string      `json:"currency" validate:"required,len=3"`
	InitialDeposit json.Number `json:"initialDepositMinorUnits"`
}

func (h *AccountHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	var deposit int64
	if req.InitialDeposit != "" {
		amount, err := parseAmount(req.InitialDeposit)
		if err != nil {
			services.SendErrorResponse(w, err)
			return
		}
		deposit = amount
	}

	account, err := h.service.Open(r.Context(), middleware.UserIDFromContext(r.Context()), services.OpenAccountRequest{
		Type:                     req.Type,
		Currency:                 req.Currency,
		InitialDepositMinorUnits: deposit,
	})
	if err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.List(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// Transactions returns the account statement, newest first.
func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			services.SendErrorResponse(w, apperror.New(apperror.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	accountID := chi.URLParam(r, "accountId")
	lines, err := h.service.Statement(r.Context(), middleware.UserIDFromContext(r.Context()), accountID, limit)
	if err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId":    accountID,
		"transactions": lines,
	})
}

// RevealNumber returns the decrypted account and routing numbers.
func (h *AccountHandler) RevealNumber(w http.ResponseWriter, r *http.Request) {
	numbers, err := h.service.RevealNumber(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "accountId"))
	if err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, numbers)
}
