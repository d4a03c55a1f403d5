package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories surfaced by the core.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindOwnership
	KindNotFound
	KindInsufficientFunds
	KindRateLimited
	KindConflict
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindOwnership:
		return "ownership"
	case KindNotFound:
		return "not_found"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindRateLimited:
		return "rate_limited"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Code is the stable, client-facing identifier of a failure.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeSameAccount            Code = "SAME_ACCOUNT"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeOwnershipMismatch      Code = "OWNERSHIP_MISMATCH"
	CodeAccountNotFound        Code = "ACCOUNT_NOT_FOUND"
	CodeRecipientNotFound      Code = "RECIPIENT_NOT_FOUND"
	CodeRecipientNoAccounts    Code = "RECIPIENT_HAS_NO_ACCOUNTS"
	CodeSelfTransferToIdentity Code = "SELF_TRANSFER_TO_OWN_IDENTITY"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeIdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"
	CodeIdentityExists         Code = "IDENTITY_ALREADY_REGISTERED"
	CodeIntegrity              Code = "INTEGRITY_ERROR"
	CodeInternal               Code = "INTERNAL_ERROR"
)

var codeKinds = map[Code]Kind{
	CodeValidation:             KindValidation,
	CodeInvalidAmount:          KindValidation,
	CodeSameAccount:            KindValidation,
	CodeUnauthorized:           KindAuthentication,
	CodeOwnershipMismatch:      KindOwnership,
	CodeAccountNotFound:        KindNotFound,
	CodeRecipientNotFound:      KindNotFound,
	CodeRecipientNoAccounts:    KindNotFound,
	CodeSelfTransferToIdentity: KindValidation,
	CodeInsufficientFunds:      KindInsufficientFunds,
	CodeRateLimitExceeded:      KindRateLimited,
	CodeIdempotencyConflict:    KindConflict,
	CodeIdentityExists:         KindConflict,
	CodeIntegrity:              KindIntegrity,
	CodeInternal:               KindInternal,
}

// Sentinels for errors.Is comparisons. Matching is by Code only.
var (
	ErrValidation             = &Error{Kind: KindValidation, Code: CodeValidation}
	ErrInvalidAmount          = &Error{Kind: KindValidation, Code: CodeInvalidAmount}
	ErrSameAccount            = &Error{Kind: KindValidation, Code: CodeSameAccount}
	ErrUnauthorized           = &Error{Kind: KindAuthentication, Code: CodeUnauthorized}
	ErrOwnershipMismatch      = &Error{Kind: KindOwnership, Code: CodeOwnershipMismatch}
	ErrAccountNotFound        = &Error{Kind: KindNotFound, Code: CodeAccountNotFound}
	ErrRecipientNotFound      = &Error{Kind: KindNotFound, Code: CodeRecipientNotFound}
	ErrRecipientNoAccounts    = &Error{Kind: KindNotFound, Code: CodeRecipientNoAccounts}
	ErrSelfTransferToIdentity = &Error{Kind: KindValidation, Code: CodeSelfTransferToIdentity}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds, Code: CodeInsufficientFunds}
	ErrRateLimitExceeded      = &Error{Kind: KindRateLimited, Code: CodeRateLimitExceeded}
	ErrIdempotencyConflict    = &Error{Kind: KindConflict, Code: CodeIdempotencyConflict}
	ErrIdentityExists         = &Error{Kind: KindConflict, Code: CodeIdentityExists}
	ErrIntegrity              = &Error{Kind: KindIntegrity, Code: CodeIntegrity}
	ErrInternal               = &Error{Kind: KindInternal, Code: CodeInternal}
)

// Error is a typed failure carrying a stable code and a human-readable message.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an error for code; the kind is derived from the code.
func New(code Code, message string) *Error {
	return &Error{Kind: kindOf(code), Code: code, Message: message}
}

// Wrap builds an error for code around a cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Kind: kindOf(code), Code: code, Message: message, Err: err}
}

// Internal wraps an unexpected failure. The cause is kept for logs, never shown to clients.
func Internal(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

func kindOf(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindInternal
}

// From extracts an *Error from err, classifying anything else as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("unexpected failure", err)
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// HTTPStatus maps an error to the status code returned to clients.
func HTTPStatus(err error) int {
	switch From(err).Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindOwnership:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
