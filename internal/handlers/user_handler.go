package handlers

import (
	"context"
	"net/http"

	"github.com/ruralpay/ledgercore/internal/middleware"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/ratelimit"
	"github.com/ruralpay/ledgercore/internal/services"
)

type Registrar interface {
	Register(ctx context.Context, callerKey string, req services.RegisterRequest) (*models.User, error)
}

type UserHandler struct {
	service   Registrar
	validator *services.ValidationHelper
}

func NewUserHandler(service Registrar) *UserHandler {
	return &UserHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

type registerRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"omitempty,max=32"`
	NationalID string `json:"nationalId" validate:"omitempty,max=32"`
}

// Register creates an identity. Unauthenticated callers are limited by address.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	callerKey := ratelimit.CallerKey(middleware.UserIDFromContext(r.Context()), r.RemoteAddr)
	user, err := h.service.Register(r.Context(), callerKey, services.RegisterRequest{
		Email:      req.Email,
		Phone:      req.Phone,
		NationalID: req.NationalID,
	})
	if err != nil {
		services.SendErrorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}
