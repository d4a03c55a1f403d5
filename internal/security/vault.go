package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ruralpay/ledgercore/internal/apperror"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12
	tagSize   = 16

	// DefaultKDFIterations is the PBKDF2-SHA256 work factor for the master key.
	DefaultKDFIterations = 210000
)

// Protector defines the field protection operations
type Protector interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
	HashForIndex(plaintext string) string
}

// Config holds the secrets the vault is derived from
type Config struct {
	Secret        string
	Salt          []byte
	IndexSalt     []byte
	KDFIterations int
}

// Vault implements Protector with AES-256-GCM and an HMAC-SHA256 index hash.
type Vault struct {
	aead      cipher.AEAD
	indexKey  []byte
	randomSrc io.Reader
}

// NewVault derives the master key once and prepares the cipher.
func NewVault(config Config) (*Vault, error) {
	if config.Secret == "" {
		return nil, errors.New("encryption secret required")
	}
	if len(config.Salt) == 0 {
		return nil, errors.New("encryption salt required")
	}
	if len(config.IndexSalt) == 0 {
		return nil, errors.New("index hash salt required")
	}

	iterations := config.KDFIterations
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}

	masterKey := pbkdf2.Key([]byte(config.Secret), config.Salt, iterations, keySize, sha256.New)

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	indexKey := make([]byte, len(config.IndexSalt))
	copy(indexKey, config.IndexSalt)

	return &Vault{
		aead:      gcm,
		indexKey:  indexKey,
		randomSrc: rand.Reader,
	}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || tag || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(v.randomSrc, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext.
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(body))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, body...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Any malformed or tampered blob fails with an
// integrity error and no plaintext.
func (v *Vault) Decrypt(blob string) (string, error) {
	// Strict rejects non-zero padding bits, so every character of the blob
	// is covered by authentication.
	raw, err := base64.StdEncoding.Strict().DecodeString(blob)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeIntegrity, "encrypted field is not valid base64", err)
	}

	if len(raw) < nonceSize+tagSize {
		return "", apperror.New(apperror.CodeIntegrity, "encrypted field too short")
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	body := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeIntegrity, "encrypted field failed authentication", err)
	}

	return string(plaintext), nil
}

// HashForIndex returns a deterministic keyed digest for equality lookups.
func (v *Vault) HashForIndex(plaintext string) string {
	mac := hmac.New(sha256.New, v.indexKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
