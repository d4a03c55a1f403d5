package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/audit"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/ratelimit"
	"github.com/ruralpay/ledgercore/internal/security"
	"github.com/sirupsen/logrus"
)

type RegisterRequest struct {
	Email      string
	Phone      string
	NationalID string
}

// UserService registers the identities peer-to-peer transfers resolve against.
type UserService struct {
	db        *sql.DB
	limiter   ratelimit.Limiter
	policies  Policies
	protector security.Protector
	audit     *audit.Logger
	validator *ValidationHelper
	log       *logrus.Entry
	now       func() time.Time
	newID     func() string
}

func NewUserService(
	db *sql.DB,
	limiter ratelimit.Limiter,
	policies Policies,
	protector security.Protector,
	auditLog *audit.Logger,
	log *logrus.Entry,
) *UserService {
	return &UserService{
		db:        db,
		limiter:   limiter,
		policies:  policies,
		protector: protector,
		audit:     auditLog,
		validator: NewValidationHelper(),
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Register stores a new identity. Email is kept in clear for exact-match
// lookup; phone and national id are encrypted with parallel index hashes.
// callerKey identifies the client for rate limiting.
func (s *UserService) Register(ctx context.Context, callerKey string, req RegisterRequest) (*models.User, error) {
	if err := admit(ctx, s.limiter, s.policies, OpRegister, callerKey); err != nil {
		return nil, err
	}

	email := security.NormalizeEmail(req.Email)
	if err := s.validator.ValidateVar(email, "required,email"); err != nil {
		return nil, apperror.New(apperror.CodeValidation, "a valid email is required")
	}
	phone := security.NormalizePhone(req.Phone)
	nationalID := security.NormalizeNationalID(req.NationalID)

	user := &models.User{
		ID:        s.newID(),
		Email:     email,
		CreatedAt: s.now().UTC(),
	}

	var err error
	if user.PhoneEncrypted, user.PhoneHash, err = s.protect(phone); err != nil {
		return nil, err
	}
	if user.NationalIDEncrypted, user.NationalIDHash, err = s.protect(nationalID); err != nil {
		return nil, err
	}

	entry, err := s.insertUser(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit.Publish(entry)
	s.log.WithField("user_id", user.ID).Info("user registered")
	return user, nil
}

// protect returns the encrypted blob and index hash of value, or two empty
// strings when value is empty.
func (s *UserService) protect(value string) (string, string, error) {
	if value == "" {
		return "", "", nil
	}
	blob, err := s.protector.Encrypt(value)
	if err != nil {
		return "", "", apperror.Internal("failed to encrypt identity field", err)
	}
	return blob, s.protector.HashForIndex(value), nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *UserService) insertUser(ctx context.Context, user *models.User) (models.AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.AuditLogEntry{}, apperror.Internal("failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, phone_encrypted, phone_hash, national_id_encrypted, national_id_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email,
		nullIfEmpty(user.PhoneEncrypted), nullIfEmpty(user.PhoneHash),
		nullIfEmpty(user.NationalIDEncrypted), nullIfEmpty(user.NationalIDHash),
		user.CreatedAt)
	if isUniqueViolation(err) {
		return models.AuditLogEntry{}, apperror.New(apperror.CodeIdentityExists, "an identity with these details is already registered")
	}
	if err != nil {
		return models.AuditLogEntry{}, apperror.Internal("failed to create user", err)
	}

	entry, err := s.audit.Record(ctx, tx, user.ID, audit.ActionUserRegistered, models.Metadata{
		"has_phone":       user.PhoneHash != "",
		"has_national_id": user.NationalIDHash != "",
	})
	if err != nil {
		return models.AuditLogEntry{}, apperror.Internal("failed to write audit log", err)
	}

	if err := tx.Commit(); err != nil {
		return models.AuditLogEntry{}, apperror.Internal("failed to commit user", err)
	}
	return entry, nil
}
