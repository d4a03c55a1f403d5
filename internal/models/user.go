package models

import "time"

// User is the identity a peer-to-peer transfer resolves against. Phone and
// national id are kept encrypted, with deterministic hashes for lookup.
type User struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	PhoneEncrypted      string    `json:"-"`
	PhoneHash           string    `json:"-"`
	NationalIDEncrypted string    `json:"-"`
	NationalIDHash      string    `json:"-"`
	CreatedAt           time.Time `json:"createdAt"`
}
