package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ruralpay/ledgercore/internal/audit"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/ratelimit"
	"github.com/ruralpay/ledgercore/internal/security"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string, limit ratelimit.Limit) (bool, error) {
	args := m.Called(ctx, key, limit)
	return args.Bool(0), args.Error(1)
}

func allowAll() *MockLimiter {
	limiter := new(MockLimiter)
	limiter.On("Allow", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	return limiter
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 17, 14, 30, 0, 0, time.UTC)
}

// sequence returns ids in order, then generated ones.
func sequence(ids ...string) func() string {
	n := 0
	return func() string {
		n++
		if n <= len(ids) {
			return ids[n-1]
		}
		return fmt.Sprintf("id-%d", n)
	}
}

func testPolicies() Policies {
	return Policies{
		OpTransfer:     {Tokens: 10, Interval: time.Minute},
		OpTransferUser: {Tokens: 5, Interval: time.Minute},
		OpRegister:     {Tokens: 5, Interval: time.Hour},
		OpAccountOpen:  {Tokens: 3, Interval: time.Hour},
	}
}

func newTestVault(t *testing.T) *security.Vault {
	t.Helper()
	vault, err := security.NewVault(security.Config{
		Secret:        "test-secret",
		Salt:          []byte("test-salt"),
		IndexSalt:     []byte("test-index-salt"),
		KDFIterations: 1000,
	})
	require.NoError(t, err)
	return vault
}

func testLogEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func newTestAuditLogger() (*audit.Logger, *test.Hook) {
	sink, hook := test.NewNullLogger()
	return audit.NewLogger(sink), hook
}

var accountCols = []string{
	"id", "user_id", "account_type", "currency", "balance_minor_units",
	"masked_number", "version", "created_at", "updated_at",
}

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows(accountCols)
}

func addAccount(rows *sqlmock.Rows, id, userID string, accountType models.AccountType, currency string, balance int64, masked string) *sqlmock.Rows {
	return rows.AddRow(id, userID, string(accountType), currency, balance, masked, 1, fixedNow(), fixedNow())
}

func accountRow(id, userID string, accountType models.AccountType, balance int64, masked string) *sqlmock.Rows {
	return addAccount(accountRows(), id, userID, accountType, "USD", balance, masked)
}

func ownerRow(userID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id"}).AddRow(userID)
}

const (
	ownerQuery    = `SELECT user_id FROM accounts WHERE id = \$1`
	lockQuery     = `SELECT id, user_id, account_type, currency, balance_minor_units, masked_number, version, created_at, updated_at FROM accounts WHERE id = \$1 FOR UPDATE`
	userAccounts  = `FROM accounts WHERE user_id = \$1 ORDER BY created_at, id`
	updateBalance = `UPDATE accounts SET balance_minor_units = \$1, version = version \+ 1, updated_at = \$2 WHERE id = \$3 AND version = \$4`
	insertEntry   = `INSERT INTO ledger_entries`
	insertAudit   = `INSERT INTO audit_logs`
	selectIdem    = `SELECT user_id, operation, idempotency_key, request_hash, response, ledger_entry_id, created_at FROM idempotency_records`
	insertIdem    = `INSERT INTO idempotency_records`
)

var idemCols = []string{"user_id", "operation", "idempotency_key", "request_hash", "response", "ledger_entry_id", "created_at"}
