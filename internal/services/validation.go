package services

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ruralpay/ledgercore/internal/apperror"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Code    apperror.Code     `json:"code"`              // Stable error code
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns a VALIDATION_ERROR carrying
// per-field details.
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return toValidationError(vh.validator.Struct(s))
}

// ValidateVar validates a single value against tag.
func (vh *ValidationHelper) ValidateVar(field any, tag string) error {
	return toValidationError(vh.validator.Var(field, tag))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}

	appErr := apperror.Wrap(apperror.CodeValidation, "Validation failed", err)
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		appErr.Details = make(map[string]string, len(validationErrs))
		for _, fieldErr := range validationErrs {
			appErr.Details[fieldErr.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", fieldErr.Tag())
		}
	}
	return appErr
}

// SendErrorResponse writes err as a JSON error body with the status its kind
// maps to. Internal causes are never exposed.
func SendErrorResponse(w http.ResponseWriter, err error) {
	appErr := apperror.From(err)
	status := apperror.HTTPStatus(appErr)

	message := appErr.Message
	if appErr.Kind == apperror.KindInternal {
		message = "Internal server error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    appErr.Code,
		Error:   message,
		Details: appErr.Details,
	})
}
