package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// AuditLogEntry is an append-only record of a sensitive action.
type AuditLogEntry struct {
	ID        string    `json:"id" db:"id"`
	ActorID   string    `json:"actorId" db:"user_id"`
	Action    string    `json:"action" db:"action"`
	Metadata  Metadata  `json:"metadata" db:"metadata"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
