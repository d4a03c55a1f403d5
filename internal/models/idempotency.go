package models

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord caches the response of an operation under the unique
// (caller, operation, key) triple.
type IdempotencyRecord struct {
	UserID        string          `db:"user_id"`
	Operation     string          `db:"operation"`
	Key           string          `db:"idempotency_key"`
	RequestHash   string          `db:"request_hash"`
	Response      json.RawMessage `db:"response"`
	LedgerEntryID *string         `db:"ledger_entry_id"`
	CreatedAt     time.Time       `db:"created_at"`
}
