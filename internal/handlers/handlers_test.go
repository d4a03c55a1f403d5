package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/middleware"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransferer struct {
	mock.Mock
}

func (m *MockTransferer) Transfer(ctx context.Context, req services.TransferRequest) (*services.TransferResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.TransferResult), args.Error(1)
}

type MockAccountManager struct {
	mock.Mock
}

func (m *MockAccountManager) Open(ctx context.Context, callerID string, req services.OpenAccountRequest) (*models.Account, error) {
	args := m.Called(ctx, callerID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockAccountManager) RevealNumber(ctx context.Context, callerID, accountID string) (*services.AccountNumbers, error) {
	args := m.Called(ctx, callerID, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AccountNumbers), args.Error(1)
}

func (m *MockAccountManager) List(ctx context.Context, callerID string) ([]models.Account, error) {
	args := m.Called(ctx, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Account), args.Error(1)
}

func (m *MockAccountManager) Statement(ctx context.Context, callerID, accountID string, limit int) ([]services.StatementLine, error) {
	args := m.Called(ctx, callerID, accountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]services.StatementLine), args.Error(1)
}

type MockRegistrar struct {
	mock.Mock
}

func (m *MockRegistrar) Register(ctx context.Context, callerKey string, req services.RegisterRequest) (*models.User, error) {
	args := m.Called(ctx, callerKey, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

// asUser stands in for the auth middleware.
func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), userID)))
		})
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) services.ErrorResponse {
	t.Helper()
	var resp services.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func newTransferRouter(service Transferer) http.Handler {
	h := NewTransferHandler(service)
	r := chi.NewRouter()
	r.Use(asUser("user-1"))
	r.Post("/transfers", h.TransferOwn)
	r.Post("/transfers/user", h.TransferToUser)
	return r
}

func TestTransferHandler_TransferOwn(t *testing.T) {
	service := new(MockTransferer)
	router := newTransferRouter(service)

	expected := services.TransferRequest{
		CallerID:         "user-1",
		FromAccountID:    "acc-checking",
		To:               services.OwnAccount{AccountID: "acc-savings"},
		AmountMinorUnits: 50000,
		Description:      "Rainy day",
		IdempotencyKey:   "key-1",
	}
	service.On("Transfer", mock.Anything, expected).Return(&services.TransferResult{
		Reference:             "ref-1",
		FromAccountID:         "acc-checking",
		AmountMinorUnits:      50000,
		Amount:                "500.00",
		FromBalanceMinorUnits: 292018,
		PostedAt:              time.Date(2024, 5, 17, 14, 30, 0, 0, time.UTC),
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(
		`{"fromAccountId":"acc-checking","toAccountId":"acc-savings","amountMinorUnits":50000,"description":"Rainy day"}`))
	req.Header.Set(IdempotencyKeyHeader, "key-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(IdempotentReplayedHeader))

	var result services.TransferResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "ref-1", result.Reference)
	assert.Equal(t, int64(292018), result.FromBalanceMinorUnits)
	service.AssertExpectations(t)
}

func TestTransferHandler_Replay(t *testing.T) {
	service := new(MockTransferer)
	router := newTransferRouter(service)

	service.On("Transfer", mock.Anything, mock.Anything).Return(&services.TransferResult{Reference: "ref-1", Replayed: true}, nil)

	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(
		`{"fromAccountId":"acc-checking","toAccountId":"acc-savings","amountMinorUnits":50000}`))
	req.Header.Set(IdempotencyKeyHeader, "key-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(IdempotentReplayedHeader))
}

func TestTransferHandler_TransferToUser(t *testing.T) {
	service := new(MockTransferer)
	router := newTransferRouter(service)

	service.On("Transfer", mock.Anything, mock.MatchedBy(func(req services.TransferRequest) bool {
		to, ok := req.To.(services.RecipientIdentifier)
		return ok && to.Phone == "+15550102030" && req.AmountMinorUnits == 2500 && req.CallerID == "user-1"
	})).Return(&services.TransferResult{Reference: "ref-2"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/transfers/user", strings.NewReader(
		`{"fromAccountId":"acc-alice","phone":"+15550102030","amountMinorUnits":2500,"description":"Dinner"}`))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	service.AssertExpectations(t)
}

func TestTransferHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		code apperror.Code
	}{
		{"fractional amount", "/transfers", `{"fromAccountId":"a","toAccountId":"b","amountMinorUnits":12.5}`, apperror.CodeInvalidAmount},
		{"exponent amount", "/transfers", `{"fromAccountId":"a","toAccountId":"b","amountMinorUnits":1e400}`, apperror.CodeInvalidAmount},
		{"missing amount", "/transfers", `{"fromAccountId":"a","toAccountId":"b"}`, apperror.CodeValidation},
		{"unknown field", "/transfers", `{"fromAccountId":"a","toAccountId":"b","amountMinorUnits":1,"fee":3}`, apperror.CodeValidation},
		{"two objects", "/transfers", `{"fromAccountId":"a","toAccountId":"b","amountMinorUnits":1}{}`, apperror.CodeValidation},
		{"peer without description", "/transfers/user", `{"fromAccountId":"a","email":"bob@example.com","amountMinorUnits":1}`, apperror.CodeValidation},
		{"peer with bad email", "/transfers/user", `{"fromAccountId":"a","email":"bob","amountMinorUnits":1,"description":"x"}`, apperror.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockTransferer)
			router := newTransferRouter(service)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
			service.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
		})
	}
}

func TestTransferHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperror.New(apperror.CodeInsufficientFunds, "insufficient funds"), http.StatusUnprocessableEntity},
		{apperror.New(apperror.CodeRateLimitExceeded, "too many requests"), http.StatusTooManyRequests},
		{apperror.New(apperror.CodeOwnershipMismatch, "not yours"), http.StatusForbidden},
		{apperror.New(apperror.CodeRecipientNotFound, "recipient not found"), http.StatusNotFound},
		{apperror.New(apperror.CodeIdempotencyConflict, "key reused"), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(string(apperror.CodeOf(tt.err)), func(t *testing.T) {
			service := new(MockTransferer)
			service.On("Transfer", mock.Anything, mock.Anything).Return(nil, tt.err)
			router := newTransferRouter(service)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(
				`{"fromAccountId":"a","toAccountId":"b","amountMinorUnits":10}`)))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, apperror.CodeOf(tt.err), decodeError(t, w).Code)
		})
	}
}

func newAccountRouter(service AccountManager) http.Handler {
	h := NewAccountHandler(service)
	r := chi.NewRouter()
	r.Use(asUser("user-1"))
	r.Post("/accounts", h.Open)
	r.Get("/accounts", h.List)
	r.Get("/accounts/{accountId}/transactions", h.Transactions)
	r.Get("/accounts/{accountId}/number", h.RevealNumber)
	return r
}

func TestAccountHandler_Open(t *testing.T) {
	service := new(MockAccountManager)
	service.On("Open", mock.Anything, "user-1", services.OpenAccountRequest{
		Type: "CHECKING", Currency: "USD", InitialDepositMinorUnits: 342018,
	}).Return(&models.Account{ID: "acc-1", MaskedNumber: "******6789", AccountNumberEncrypted: "secret-blob"}, nil)

	w := httptest.NewRecorder()
	newAccountRouter(service).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(
		`{"type":"CHECKING","currency":"USD","initialDepositMinorUnits":342018}`)))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-blob", "encrypted fields are never serialized")
	assert.Contains(t, w.Body.String(), "******6789")
	service.AssertExpectations(t)
}

func TestAccountHandler_OpenRejectsUnknownType(t *testing.T) {
	service := new(MockAccountManager)

	w := httptest.NewRecorder()
	newAccountRouter(service).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(
		`{"type":"BROKERAGE","currency":"USD"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Details, "Type")
}

func TestAccountHandler_Transactions(t *testing.T) {
	service := new(MockAccountManager)
	service.On("Statement", mock.Anything, "user-1", "acc-savings", 20).
		Return([]services.StatementLine{{EntryID: "entry-1", AmountMinorUnits: 50000, Amount: "500.00"}}, nil)

	w := httptest.NewRecorder()
	newAccountRouter(service).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/acc-savings/transactions?limit=20", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		AccountID    string                   `json:"accountId"`
		Transactions []services.StatementLine `json:"transactions"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "acc-savings", body.AccountID)
	require.Len(t, body.Transactions, 1)
	assert.Equal(t, int64(50000), body.Transactions[0].AmountMinorUnits)

	bad := httptest.NewRecorder()
	newAccountRouter(service).ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/accounts/acc-savings/transactions?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAccountHandler_RevealNumber(t *testing.T) {
	service := new(MockAccountManager)
	service.On("RevealNumber", mock.Anything, "user-1", "acc-1").
		Return(&services.AccountNumbers{AccountNumber: "0123456789", RoutingNumber: "021000021"}, nil)
	service.On("RevealNumber", mock.Anything, "user-1", "acc-broken").
		Return(nil, apperror.New(apperror.CodeIntegrity, "encrypted field failed authentication"))

	w := httptest.NewRecorder()
	newAccountRouter(service).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/acc-1/number", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), "0123456789")

	broken := httptest.NewRecorder()
	newAccountRouter(service).ServeHTTP(broken, httptest.NewRequest(http.MethodGet, "/accounts/acc-broken/number", nil))
	assert.Equal(t, http.StatusInternalServerError, broken.Code)
	assert.Equal(t, apperror.CodeIntegrity, decodeError(t, broken).Code)
}

func TestAccountHandler_List(t *testing.T) {
	service := new(MockAccountManager)
	service.On("List", mock.Anything, "user-1").Return([]models.Account{{ID: "acc-1"}, {ID: "acc-2"}}, nil)

	w := httptest.NewRecorder()
	newAccountRouter(service).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Accounts []models.Account `json:"accounts"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Len(t, body.Accounts, 2)
}

func TestUserHandler_Register(t *testing.T) {
	service := new(MockRegistrar)
	service.On("Register", mock.Anything, "ip:192.0.2.1", services.RegisterRequest{
		Email: "ada@example.com", Phone: "+15550102030",
	}).Return(&models.User{ID: "user-9", Email: "ada@example.com", PhoneEncrypted: "blob", PhoneHash: "hash"}, nil)

	h := NewUserHandler(service)
	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"email":"ada@example.com","phone":"+15550102030"}`))
	w := httptest.NewRecorder()

	h.Register(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "blob")
	assert.NotContains(t, w.Body.String(), "hash")
	service.AssertExpectations(t)
}

func TestUserHandler_RegisterKeysOnSocketAddress(t *testing.T) {
	service := new(MockRegistrar)
	service.On("Register", mock.Anything, "ip:192.0.2.1", mock.Anything).
		Return(&models.User{ID: "user-9", Email: "ada@example.com"}, nil)

	h := NewUserHandler(service)
	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"email":"ada@example.com"}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	w := httptest.NewRecorder()

	h.Register(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	service.AssertExpectations(t)
}

func TestUserHandler_RegisterRequiresEmail(t *testing.T) {
	service := new(MockRegistrar)
	h := NewUserHandler(service)

	w := httptest.NewRecorder()
	h.Register(w, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"phone":"+15550102030"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Details, "Email")
	service.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
}
