package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/ratelimit"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Operation names shared by rate-limit buckets and idempotency records.
const (
	OpTransfer     = "transfer"
	OpTransferUser = "transfer:user"
	OpRegister     = "register"
	OpAccountOpen  = "account:open"
)

// Policies maps an operation to its token-bucket limit.
type Policies map[string]ratelimit.Limit

// admit consumes one token for caller under op. It must run before any
// store access.
func admit(ctx context.Context, limiter ratelimit.Limiter, policies Policies, op, caller string) error {
	limit, ok := policies[op]
	if !ok {
		return apperror.Internal("no rate limit policy for "+op, nil)
	}

	allowed, err := limiter.Allow(ctx, ratelimit.BucketKey(op, caller), limit)
	if err != nil {
		return apperror.Internal("rate limiter unavailable", err)
	}
	if !allowed {
		return apperror.New(apperror.CodeRateLimitExceeded, "too many requests, try again later")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// formatMinorUnits renders cents as a fixed two-decimal string.
func formatMinorUnits(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
