package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/middleware"
	"github.com/ruralpay/ledgercore/internal/services"
)

const (
	IdempotencyKeyHeader     = "Idempotency-Key"
	IdempotentReplayedHeader = "Idempotent-Replayed"
	maxIdempotencyKeyLength  = 255
)

// Transferer is the transfer engine as seen by the HTTP layer.
type Transferer interface {
	Transfer(ctx context.Context, req services.TransferRequest) (*services.TransferResult, error)
}

type TransferHandler struct {
	service   Transferer
	validator *services.ValidationHelper
}

func NewTransferHandler(service Transferer) *TransferHandler {
	return &TransferHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

type ownTransferRequest struct {
	FromAccountID string      `json:"fromAccountId" validate:"required,max=64"`
	ToAccountID   string      `json:"toAccountId" validate:"required,max=64"`
	Amount        json.Number `json:"amountMinorUnits" validate:"required"`
	Description   string      `json:"description" validate:"max=255"`
}

type userTransferRequest struct {
	FromAccountID string      `json:"fromAccountId" validate:"required,max=64"`
	Email         string      `json:"email" validate:"omitempty,email"`
	Phone         string      `json:"phone" validate:"omitempty,max=32"`
	NationalID    string      `json:"nationalId" validate:"omitempty,max=32"`
	Amount        json.Number `json:"amountMinorUnits" validate:"required"`
	Description   string      `json:"description" validate:"required,max=255"`
}

// TransferOwn moves money between two of the caller's accounts.
func (h *TransferHandler) TransferOwn(w http.ResponseWriter, r *http.Request) {
	var req ownTransferRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	h.transfer(w, r, req.Amount, func(amount int64, key string) services.TransferRequest {
		return services.TransferRequest{
			FromAccountID:    req.FromAccountID,
			To:               services.OwnAccount{AccountID: req.ToAccountID},
			AmountMinorUnits: amount,
			Description:      req.Description,
			IdempotencyKey:   key,
		}
	})
}

// TransferToUser sends money to another user identified by email, phone or
// national id.
func (h *TransferHandler) TransferToUser(w http.ResponseWriter, r *http.Request) {
	var req userTransferRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	h.transfer(w, r, req.Amount, func(amount int64, key string) services.TransferRequest {
		return services.TransferRequest{
			FromAccountID: req.FromAccountID,
			To: services.RecipientIdentifier{
				Email:      req.Email,
				Phone:      req.Phone,
				NationalID: req.NationalID,
			},
			AmountMinorUnits: amount,
			Description:      req.Description,
			IdempotencyKey:   key,
		}
	})
}

func (h *TransferHandler) transfer(w http.ResponseWriter, r *http.Request, rawAmount json.Number, build func(amount int64, key string) services.TransferRequest) {
	amount, err := parseAmount(rawAmount)
	if err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLength {
		services.SendErrorResponse(w, apperror.New(apperror.CodeValidation, "Idempotency-Key is too long"))
		return
	}

	req := build(amount, key)
	req.CallerID = middleware.UserIDFromContext(r.Context())

	result, err := h.service.Transfer(r.Context(), req)
	if err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	if result.Replayed {
		w.Header().Set(IdempotentReplayedHeader, "true")
	}
	writeJSON(w, http.StatusCreated, result)
}
