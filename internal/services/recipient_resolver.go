package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/security"
)

// RecipientIdentifier names the counterparty of a peer-to-peer transfer.
// Identifiers are tried in order: email, phone, national id.
type RecipientIdentifier struct {
	Email      string
	Phone      string
	NationalID string
}

func (RecipientIdentifier) isDestination() {}

// Empty reports whether no identifier is set.
func (r RecipientIdentifier) Empty() bool {
	return r.Email == "" && r.Phone == "" && r.NationalID == ""
}

// AccountPolicy picks a destination account from a user's accounts, which
// arrive ordered by creation time.
type AccountPolicy func(accounts []models.Account) (models.Account, bool)

// PreferType selects the first account of type t.
func PreferType(t models.AccountType) AccountPolicy {
	return func(accounts []models.Account) (models.Account, bool) {
		for _, account := range accounts {
			if account.Type == t {
				return account, true
			}
		}
		return models.Account{}, false
	}
}

// AnyAccount selects the oldest account.
func AnyAccount(accounts []models.Account) (models.Account, bool) {
	if len(accounts) == 0 {
		return models.Account{}, false
	}
	return accounts[0], true
}

// DefaultAccountPolicies prefers checking and falls back to any account.
var DefaultAccountPolicies = []AccountPolicy{
	PreferType(models.AccountTypeChecking),
	AnyAccount,
}

type RecipientResolver struct {
	protector security.Protector
	policies  []AccountPolicy
}

func NewRecipientResolver(protector security.Protector, policies ...AccountPolicy) *RecipientResolver {
	if len(policies) == 0 {
		policies = DefaultAccountPolicies
	}
	return &RecipientResolver{
		protector: protector,
		policies:  policies,
	}
}

// Resolve finds the destination account for id. Lookups by phone and
// national id go through the index hash; plaintext is never compared.
func (r *RecipientResolver) Resolve(ctx context.Context, q Querier, id RecipientIdentifier) (*models.Account, error) {
	if id.Empty() {
		return nil, apperror.New(apperror.CodeValidation, "one of email, phone or nationalId is required")
	}

	userID, err := r.findUser(ctx, q, id)
	if err != nil {
		return nil, err
	}

	accounts, err := r.userAccounts(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, apperror.New(apperror.CodeRecipientNoAccounts, "recipient has no accounts")
	}

	for _, policy := range r.policies {
		if account, ok := policy(accounts); ok {
			return &account, nil
		}
	}
	return nil, apperror.New(apperror.CodeRecipientNoAccounts, "recipient has no eligible account")
}

func (r *RecipientResolver) findUser(ctx context.Context, q Querier, id RecipientIdentifier) (string, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"email", security.NormalizeEmail(id.Email)},
		{"phone_hash", r.hashOf(security.NormalizePhone(id.Phone))},
		{"national_id_hash", r.hashOf(security.NormalizeNationalID(id.NationalID))},
	}

	for _, lookup := range lookups {
		if lookup.value == "" {
			continue
		}

		var userID string
		// column comes from the fixed list above
		err := q.QueryRowContext(ctx, "SELECT id FROM users WHERE "+lookup.column+" = $1", lookup.value).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", apperror.Internal("recipient lookup failed", err)
		}
		return userID, nil
	}

	return "", apperror.New(apperror.CodeRecipientNotFound, "recipient not found")
}

func (r *RecipientResolver) hashOf(normalized string) string {
	if normalized == "" {
		return ""
	}
	return r.protector.HashForIndex(normalized)
}

func (r *RecipientResolver) userAccounts(ctx context.Context, q Querier, userID string) ([]models.Account, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY created_at, id", userID)
	if err != nil {
		return nil, apperror.Internal("recipient account lookup failed", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, apperror.Internal("recipient account lookup failed", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("recipient account lookup failed", err)
	}
	return accounts, nil
}
