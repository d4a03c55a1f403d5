package models

import (
	"time"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryKindDebit    EntryKind = "DEBIT"
	EntryKindCredit   EntryKind = "CREDIT"
	EntryKindTransfer EntryKind = "TRANSFER"
)

// LedgerEntry is an immutable record of a balance movement. At least one
// side is set; value leaving an account is a negative amount.
type LedgerEntry struct {
	ID                   string    `json:"id" db:"id"`
	Reference            string    `json:"reference" db:"reference"`
	SourceAccountID      *string   `json:"sourceAccountId,omitempty" db:"source_account_id"`
	DestinationAccountID *string   `json:"destinationAccountId,omitempty" db:"destination_account_id"`
	AmountMinorUnits     int64     `json:"amountMinorUnits" db:"amount_minor_units"` // in cents
	Kind                 EntryKind `json:"kind" db:"kind"`
	Description          string    `json:"description" db:"description"`
	PostedAt             time.Time `json:"postedAt" db:"posted_at"`
}

// AmountFor returns the amount as it appears on accountID's statement.
func (e LedgerEntry) AmountFor(accountID string) int64 {
	if e.Kind == EntryKindTransfer && e.DestinationAccountID != nil && *e.DestinationAccountID == accountID {
		return -e.AmountMinorUnits
	}
	return e.AmountMinorUnits
}
