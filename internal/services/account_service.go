package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/audit"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/ratelimit"
	"github.com/ruralpay/ledgercore/internal/security"
	"github.com/sirupsen/logrus"
)

const (
	accountColumns = "id, user_id, account_type, currency, balance_minor_units, masked_number, version, created_at, updated_at"

	accountNumberDigits  = 10
	maskedVisibleDigits  = 4
	openAccountAttempts  = 3
	defaultStatementSize = 50
	maxStatementSize     = 200
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.Type,
		&account.Currency,
		&account.BalanceMinorUnits,
		&account.MaskedNumber,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func checkAccountOwner(ctx context.Context, q Querier, callerID, accountID string) error {
	var ownerID string
	err := q.QueryRowContext(ctx, `SELECT user_id FROM accounts WHERE id = $1`, accountID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.New(apperror.CodeAccountNotFound, "account not found")
	}
	if err != nil {
		return apperror.Internal("failed to load account", err)
	}
	if ownerID != callerID {
		return apperror.New(apperror.CodeOwnershipMismatch, "account does not belong to caller")
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, q Querier, entry models.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, reference, source_account_id, destination_account_id, amount_minor_units, kind, description, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.Reference, entry.SourceAccountID, entry.DestinationAccountID,
		entry.AmountMinorUnits, string(entry.Kind), entry.Description, entry.PostedAt)
	if err != nil {
		return apperror.Internal("failed to create ledger entry", err)
	}
	return nil
}

type OpenAccountRequest struct {
	Type                     string
	Currency                 string
	InitialDepositMinorUnits int64
}

// AccountNumbers are the decrypted identifiers of an account.
type AccountNumbers struct {
	AccountNumber string `json:"accountNumber"`
	RoutingNumber string `json:"routingNumber"`
}

// StatementLine is a ledger entry as seen from one account.
type StatementLine struct {
	EntryID          string           `json:"id"`
	Reference        string           `json:"reference"`
	Kind             models.EntryKind `json:"kind"`
	Description      string           `json:"description"`
	AmountMinorUnits int64            `json:"amountMinorUnits"`
	Amount           string           `json:"amount"`
	PostedAt         time.Time        `json:"postedAt"`
}

type AccountService struct {
	db            *sql.DB
	limiter       ratelimit.Limiter
	policies      Policies
	protector     security.Protector
	audit         *audit.Logger
	routingNumber string
	log           *logrus.Entry
	now           func() time.Time
	newID         func() string
	newNumber     func() (string, error)
}

func NewAccountService(
	db *sql.DB,
	limiter ratelimit.Limiter,
	policies Policies,
	protector security.Protector,
	auditLog *audit.Logger,
	routingNumber string,
	log *logrus.Entry,
) *AccountService {
	return &AccountService{
		db:            db,
		limiter:       limiter,
		policies:      policies,
		protector:     protector,
		audit:         auditLog,
		routingNumber: routingNumber,
		log:           log,
		now:           time.Now,
		newID:         uuid.NewString,
		newNumber:     randomAccountNumber,
	}
}

func randomAccountNumber() (string, error) {
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(accountNumberDigits), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", accountNumberDigits, n), nil
}

// Open creates an account for callerID with a fresh account number. The
// number is stored encrypted alongside its index hash and masked form.
func (s *AccountService) Open(ctx context.Context, callerID string, req OpenAccountRequest) (*models.Account, error) {
	if callerID == "" {
		return nil, apperror.New(apperror.CodeUnauthorized, "caller is not authenticated")
	}
	if err := admit(ctx, s.limiter, s.policies, OpAccountOpen, ratelimit.CallerKey(callerID, "")); err != nil {
		return nil, err
	}

	accountType, err := models.ParseAccountType(req.Type)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, "type must be CHECKING, SAVINGS or CREDIT", err)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !validCurrency(currency) {
		return nil, apperror.New(apperror.CodeValidation, "currency must be a three-letter code")
	}
	if req.InitialDepositMinorUnits < 0 {
		return nil, apperror.New(apperror.CodeInvalidAmount, "initial deposit cannot be negative")
	}

	for attempt := 1; attempt <= openAccountAttempts; attempt++ {
		account, err := s.newAccount(callerID, accountType, currency, req.InitialDepositMinorUnits)
		if err != nil {
			return nil, err
		}

		entries, err := s.insertAccount(ctx, account)
		if isUniqueViolation(err) {
			s.log.WithField("attempt", attempt).Warn("account number collision, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.audit.Publish(entries...)
		s.log.WithFields(logrus.Fields{
			"user_id":    callerID,
			"account_id": account.ID,
		}).Info("account opened")
		return account, nil
	}

	return nil, apperror.Internal("could not allocate a unique account number", nil)
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func (s *AccountService) newAccount(userID string, accountType models.AccountType, currency string, deposit int64) (*models.Account, error) {
	number, err := s.newNumber()
	if err != nil {
		return nil, apperror.Internal("failed to generate account number", err)
	}

	encryptedNumber, err := s.protector.Encrypt(number)
	if err != nil {
		return nil, apperror.Internal("failed to encrypt account number", err)
	}
	encryptedRouting, err := s.protector.Encrypt(s.routingNumber)
	if err != nil {
		return nil, apperror.Internal("failed to encrypt routing number", err)
	}

	now := s.now().UTC()
	return &models.Account{
		ID:                     s.newID(),
		UserID:                 userID,
		Type:                   accountType,
		Currency:               currency,
		BalanceMinorUnits:      deposit,
		MaskedNumber:           security.Mask(number, maskedVisibleDigits),
		AccountNumberEncrypted: encryptedNumber,
		RoutingNumberEncrypted: encryptedRouting,
		AccountNumberHash:      s.protector.HashForIndex(number),
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// insertAccount returns the raw unique violation so Open can retry.
func (s *AccountService) insertAccount(ctx context.Context, account *models.Account) ([]models.AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Internal("failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts
			(id, user_id, account_type, currency, balance_minor_units, masked_number,
			 account_number_encrypted, routing_number_encrypted, account_number_hash, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		account.ID, account.UserID, string(account.Type), account.Currency, account.BalanceMinorUnits, account.MaskedNumber,
		account.AccountNumberEncrypted, account.RoutingNumberEncrypted, account.AccountNumberHash, account.Version,
		account.CreatedAt, account.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return nil, apperror.New(apperror.CodeValidation, "caller has no registered identity")
	}
	if err != nil {
		return nil, apperror.Internal("failed to create account", err)
	}

	if account.BalanceMinorUnits > 0 {
		err := insertLedgerEntry(ctx, tx, models.LedgerEntry{
			ID:                   s.newID(),
			Reference:            account.ID,
			DestinationAccountID: &account.ID,
			AmountMinorUnits:     account.BalanceMinorUnits,
			Kind:                 models.EntryKindCredit,
			Description:          "Opening deposit",
			PostedAt:             account.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
	}

	entry, err := s.audit.Record(ctx, tx, account.UserID, audit.ActionAccountOpened, models.Metadata{
		"account_id":                  account.ID,
		"account_type":                string(account.Type),
		"currency":                    account.Currency,
		"masked_number":               account.MaskedNumber,
		"initial_deposit_minor_units": account.BalanceMinorUnits,
	})
	if err != nil {
		return nil, apperror.Internal("failed to write audit log", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Internal("failed to commit account", err)
	}
	return []models.AuditLogEntry{entry}, nil
}

// RevealNumber decrypts the account and routing numbers for the owner.
// A blob that fails authentication is reported as an integrity error.
func (s *AccountService) RevealNumber(ctx context.Context, callerID, accountID string) (*AccountNumbers, error) {
	var ownerID, encryptedNumber, encryptedRouting string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, account_number_encrypted, routing_number_encrypted
		FROM accounts WHERE id = $1`, accountID,
	).Scan(&ownerID, &encryptedNumber, &encryptedRouting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.CodeAccountNotFound, "account not found")
	}
	if err != nil {
		return nil, apperror.Internal("failed to load account", err)
	}
	if ownerID != callerID {
		return nil, apperror.New(apperror.CodeOwnershipMismatch, "account does not belong to caller")
	}

	number, err := s.protector.Decrypt(encryptedNumber)
	if err != nil {
		s.log.WithField("account_id", accountID).WithError(err).Error("account number failed integrity check")
		return nil, err
	}
	routing, err := s.protector.Decrypt(encryptedRouting)
	if err != nil {
		s.log.WithField("account_id", accountID).WithError(err).Error("routing number failed integrity check")
		return nil, err
	}

	entry, err := s.audit.Record(ctx, s.db, callerID, audit.ActionNumberRevealed, models.Metadata{
		"account_id": accountID,
	})
	if err != nil {
		return nil, apperror.Internal("failed to write audit log", err)
	}
	s.audit.Publish(entry)

	return &AccountNumbers{AccountNumber: number, RoutingNumber: routing}, nil
}

// List returns the caller's accounts, oldest first.
func (s *AccountService) List(ctx context.Context, callerID string) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY created_at, id", callerID)
	if err != nil {
		return nil, apperror.Internal("failed to list accounts", err)
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, apperror.Internal("failed to list accounts", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("failed to list accounts", err)
	}
	return accounts, nil
}

// Statement lists entries touching accountID, newest first, with amounts
// signed from that account's point of view.
func (s *AccountService) Statement(ctx context.Context, callerID, accountID string, limit int) ([]StatementLine, error) {
	if err := checkAccountOwner(ctx, s.db, callerID, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultStatementSize
	}
	if limit > maxStatementSize {
		limit = maxStatementSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference, source_account_id, destination_account_id, amount_minor_units, kind, description, posted_at
		FROM ledger_entries
		WHERE source_account_id = $1 OR destination_account_id = $1
		ORDER BY posted_at DESC, id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, apperror.Internal("failed to load statement", err)
	}
	defer rows.Close()

	lines := []StatementLine{}
	for rows.Next() {
		var (
			entry       models.LedgerEntry
			source, dst sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Reference, &source, &dst, &entry.AmountMinorUnits,
			&entry.Kind, &entry.Description, &entry.PostedAt); err != nil {
			return nil, apperror.Internal("failed to load statement", err)
		}
		if source.Valid {
			entry.SourceAccountID = &source.String
		}
		if dst.Valid {
			entry.DestinationAccountID = &dst.String
		}

		amount := entry.AmountFor(accountID)
		lines = append(lines, StatementLine{
			EntryID:          entry.ID,
			Reference:        entry.Reference,
			Kind:             entry.Kind,
			Description:      entry.Description,
			AmountMinorUnits: amount,
			Amount:           formatMinorUnits(amount),
			PostedAt:         entry.PostedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("failed to load statement", err)
	}
	return lines, nil
}
