package models

import (
	"fmt"
	"time"
)

// AccountType is the closed set of account products.
type AccountType string

const (
	AccountTypeChecking AccountType = "CHECKING"
	AccountTypeSavings  AccountType = "SAVINGS"
	AccountTypeCredit   AccountType = "CREDIT"
)

// ParseAccountType validates a raw account type value.
func ParseAccountType(s string) (AccountType, error) {
	switch t := AccountType(s); t {
	case AccountTypeChecking, AccountTypeSavings, AccountTypeCredit:
		return t, nil
	default:
		return "", fmt.Errorf("unknown account type %q", s)
	}
}

// Account holds a balance in minor units. Sensitive numbers are stored
// encrypted; AccountNumberHash is the equality index for the account number.
type Account struct {
	ID                     string      `json:"id" db:"id"`
	UserID                 string      `json:"userId" db:"user_id"`
	Type                   AccountType `json:"type" db:"account_type"`
	Currency               string      `json:"currency" db:"currency"`
	BalanceMinorUnits      int64       `json:"balanceMinorUnits" db:"balance_minor_units"`
	MaskedNumber           string      `json:"maskedNumber" db:"masked_number"`
	AccountNumberEncrypted string      `json:"-" db:"account_number_encrypted"`
	RoutingNumberEncrypted string      `json:"-" db:"routing_number_encrypted"`
	AccountNumberHash      string      `json:"-" db:"account_number_hash"`
	Version                int         `json:"-" db:"version"` // for optimistic locking
	CreatedAt              time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt              time.Time   `json:"updatedAt" db:"updated_at"`
}
