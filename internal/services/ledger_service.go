package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/audit"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/ruralpay/ledgercore/internal/ratelimit"
	"github.com/ruralpay/ledgercore/internal/security"
	"github.com/sirupsen/logrus"
)

const (
	defaultOwnTransferDescription = "Transfer between own accounts"
	maxDescriptionLength          = 255
)

var errIdempotencyRace = errors.New("idempotency key claimed by a concurrent request")

// Destination is where a transfer lands: an OwnAccount or a RecipientIdentifier.
type Destination interface {
	isDestination()
}

// OwnAccount is another account belonging to the caller.
type OwnAccount struct {
	AccountID string
}

func (OwnAccount) isDestination() {}

type TransferRequest struct {
	CallerID         string
	FromAccountID    string
	To               Destination
	AmountMinorUnits int64
	Description      string
	IdempotencyKey   string
}

// TransferResult is the response of a completed transfer. It is what gets
// cached for idempotent replays, so a retry sees the original values.
type TransferResult struct {
	Reference             string             `json:"reference"`
	FromAccountID         string             `json:"fromAccountId"`
	ToAccountID           string             `json:"toAccountId,omitempty"`
	ToMaskedNumber        string             `json:"toMaskedNumber"`
	AmountMinorUnits      int64              `json:"amountMinorUnits"`
	Amount                string             `json:"amount"`
	Currency              string             `json:"currency"`
	FromBalanceMinorUnits int64              `json:"fromBalanceMinorUnits"`
	ToBalanceMinorUnits   *int64             `json:"toBalanceMinorUnits,omitempty"`
	Entry                 models.LedgerEntry `json:"entry"`
	PostedAt              time.Time          `json:"postedAt"`

	Replayed bool `json:"-"`
}

// LedgerService moves money between accounts. Every balance change, its
// ledger entries, audit rows and idempotency record commit in one transaction.
type LedgerService struct {
	db          *sql.DB
	limiter     ratelimit.Limiter
	policies    Policies
	idempotency *IdempotencyStore
	resolver    *RecipientResolver
	protector   security.Protector
	audit       *audit.Logger
	log         *logrus.Entry
	now         func() time.Time
	newID       func() string
}

func NewLedgerService(
	db *sql.DB,
	limiter ratelimit.Limiter,
	policies Policies,
	idempotency *IdempotencyStore,
	resolver *RecipientResolver,
	protector security.Protector,
	auditLog *audit.Logger,
	log *logrus.Entry,
) *LedgerService {
	return &LedgerService{
		db:          db,
		limiter:     limiter,
		policies:    policies,
		idempotency: idempotency,
		resolver:    resolver,
		protector:   protector,
		audit:       auditLog,
		log:         log,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Transfer runs admission, validation and the idempotency check before
// opening a transaction. A replayed result has Replayed set.
func (s *LedgerService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.CallerID == "" {
		return nil, apperror.New(apperror.CodeUnauthorized, "caller is not authenticated")
	}

	op, err := operationFor(req.To)
	if err != nil {
		return nil, err
	}

	if err := admit(ctx, s.limiter, s.policies, op, ratelimit.CallerKey(req.CallerID, "")); err != nil {
		return nil, err
	}

	if err := normalizeTransfer(&req); err != nil {
		return nil, err
	}

	var fingerprint string
	if req.IdempotencyKey != "" {
		fingerprint = s.fingerprint(op, req)
		cached, err := s.replay(ctx, req.CallerID, op, req.IdempotencyKey, fingerprint)
		if err != nil || cached != nil {
			return cached, err
		}
	}

	// Ownership is re-checked under lock; this rejects foreign accounts
	// before a transaction is opened.
	if err := checkAccountOwner(ctx, s.db, req.CallerID, req.FromAccountID); err != nil {
		return nil, err
	}

	result, entries, err := s.execute(ctx, op, fingerprint, req)
	if errors.Is(err, errIdempotencyRace) {
		cached, err := s.replay(ctx, req.CallerID, op, req.IdempotencyKey, fingerprint)
		if err == nil && cached == nil {
			err = apperror.Internal("idempotency record missing after conflict", nil)
		}
		return cached, err
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"user_id":    req.CallerID,
			"account_id": req.FromAccountID,
			"operation":  op,
			"code":       apperror.CodeOf(err),
		}).WithError(err).Warn("transfer rejected")
		return nil, err
	}

	s.audit.Publish(entries...)
	s.log.WithFields(logrus.Fields{
		"user_id":    req.CallerID,
		"account_id": req.FromAccountID,
		"operation":  op,
		"reference":  result.Reference,
		"amount":     result.Amount,
	}).Info("transfer completed")

	return result, nil
}

func operationFor(to Destination) (string, error) {
	switch to.(type) {
	case OwnAccount:
		return OpTransfer, nil
	case RecipientIdentifier:
		return OpTransferUser, nil
	default:
		return "", apperror.New(apperror.CodeValidation, "transfer destination is required")
	}
}

func normalizeTransfer(req *TransferRequest) error {
	if req.AmountMinorUnits <= 0 {
		return apperror.New(apperror.CodeInvalidAmount, "amount must be a positive whole number of minor units")
	}
	req.FromAccountID = strings.TrimSpace(req.FromAccountID)
	if req.FromAccountID == "" {
		return apperror.New(apperror.CodeValidation, "fromAccountId is required")
	}

	req.Description = strings.TrimSpace(req.Description)
	if len(req.Description) > maxDescriptionLength {
		return apperror.New(apperror.CodeValidation, "description is too long")
	}

	switch to := req.To.(type) {
	case OwnAccount:
		to.AccountID = strings.TrimSpace(to.AccountID)
		if to.AccountID == "" {
			return apperror.New(apperror.CodeValidation, "toAccountId is required")
		}
		if to.AccountID == req.FromAccountID {
			return apperror.New(apperror.CodeSameAccount, "source and destination accounts must differ")
		}
		if req.Description == "" {
			req.Description = defaultOwnTransferDescription
		}
		req.To = to
	case RecipientIdentifier:
		if to.Empty() {
			return apperror.New(apperror.CodeValidation, "one of email, phone or nationalId is required")
		}
		if req.Description == "" {
			return apperror.New(apperror.CodeValidation, "description is required for transfers to another user")
		}
	}
	return nil
}

// fingerprint binds an idempotency key to the request it was first used with.
func (s *LedgerService) fingerprint(op string, req TransferRequest) string {
	canonical := struct {
		Operation   string `json:"op"`
		From        string `json:"from"`
		ToAccount   string `json:"toAccount,omitempty"`
		Email       string `json:"email,omitempty"`
		Phone       string `json:"phone,omitempty"`
		NationalID  string `json:"nationalId,omitempty"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}{
		Operation:   op,
		From:        req.FromAccountID,
		Amount:      req.AmountMinorUnits,
		Description: req.Description,
	}

	switch to := req.To.(type) {
	case OwnAccount:
		canonical.ToAccount = to.AccountID
	case RecipientIdentifier:
		canonical.Email = security.NormalizeEmail(to.Email)
		canonical.Phone = security.NormalizePhone(to.Phone)
		canonical.NationalID = security.NormalizeNationalID(to.NationalID)
	}

	data, _ := json.Marshal(canonical)
	return s.protector.HashForIndex(string(data))
}

func (s *LedgerService) replay(ctx context.Context, callerID, op, key, fingerprint string) (*TransferResult, error) {
	rec, err := s.idempotency.Get(ctx, callerID, op, key)
	if err != nil {
		return nil, apperror.Internal("idempotency lookup failed", err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestHash != fingerprint {
		return nil, apperror.New(apperror.CodeIdempotencyConflict, "idempotency key was already used with a different request")
	}

	var result TransferResult
	if err := json.Unmarshal(rec.Response, &result); err != nil {
		return nil, apperror.Internal("cached response is unreadable", err)
	}
	result.Replayed = true
	return &result, nil
}

func (s *LedgerService) execute(ctx context.Context, op, fingerprint string, req TransferRequest) (*TransferResult, []models.AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, apperror.Internal("failed to begin transaction", err)
	}
	defer tx.Rollback()

	toAccountID, peer, err := s.destinationAccount(ctx, tx, req)
	if err != nil {
		return nil, nil, err
	}
	if toAccountID == req.FromAccountID {
		return nil, nil, apperror.New(apperror.CodeSameAccount, "source and destination accounts must differ")
	}

	from, to, err := s.lockPair(ctx, tx, req.FromAccountID, toAccountID)
	if err != nil {
		return nil, nil, err
	}

	if err := checkTransfer(req, from, to, peer); err != nil {
		return nil, nil, err
	}

	amount := req.AmountMinorUnits
	now := s.now().UTC()
	reference := s.newID()

	if err := s.updateAccountBalance(ctx, tx, from.ID, from.BalanceMinorUnits-amount, from.Version, now); err != nil {
		return nil, nil, err
	}
	if err := s.updateAccountBalance(ctx, tx, to.ID, to.BalanceMinorUnits+amount, to.Version, now); err != nil {
		return nil, nil, err
	}

	var ledger []models.LedgerEntry
	if peer {
		ledger = []models.LedgerEntry{
			{
				ID:               s.newID(),
				Reference:        reference,
				SourceAccountID:  &from.ID,
				AmountMinorUnits: -amount,
				Kind:             models.EntryKindDebit,
				Description:      "To " + to.MaskedNumber + ": " + req.Description,
				PostedAt:         now,
			},
			{
				ID:                   s.newID(),
				Reference:            reference,
				DestinationAccountID: &to.ID,
				AmountMinorUnits:     amount,
				Kind:                 models.EntryKindCredit,
				Description:          "From " + from.MaskedNumber + ": " + req.Description,
				PostedAt:             now,
			},
		}
	} else {
		ledger = []models.LedgerEntry{{
			ID:                   s.newID(),
			Reference:            reference,
			SourceAccountID:      &from.ID,
			DestinationAccountID: &to.ID,
			AmountMinorUnits:     -amount,
			Kind:                 models.EntryKindTransfer,
			Description:          req.Description,
			PostedAt:             now,
		}}
	}
	for _, entry := range ledger {
		if err := insertLedgerEntry(ctx, tx, entry); err != nil {
			return nil, nil, err
		}
	}

	audits, err := s.recordAudit(ctx, tx, req.CallerID, reference, from, to, amount, peer)
	if err != nil {
		return nil, nil, err
	}

	result := &TransferResult{
		Reference:             reference,
		FromAccountID:         from.ID,
		ToMaskedNumber:        to.MaskedNumber,
		AmountMinorUnits:      amount,
		Amount:                formatMinorUnits(amount),
		Currency:              from.Currency,
		FromBalanceMinorUnits: from.BalanceMinorUnits - amount,
		Entry:                 ledger[0],
		PostedAt:              now,
	}
	if !peer {
		toBalance := to.BalanceMinorUnits + amount
		result.ToAccountID = to.ID
		result.ToBalanceMinorUnits = &toBalance
	}

	if req.IdempotencyKey != "" {
		response, err := json.Marshal(result)
		if err != nil {
			return nil, nil, apperror.Internal("failed to encode response", err)
		}
		claimed, err := s.idempotency.Put(ctx, tx, models.IdempotencyRecord{
			UserID:        req.CallerID,
			Operation:     op,
			Key:           req.IdempotencyKey,
			RequestHash:   fingerprint,
			Response:      response,
			LedgerEntryID: &ledger[0].ID,
			CreatedAt:     now,
		})
		if err != nil {
			return nil, nil, apperror.Internal("failed to store idempotency record", err)
		}
		if !claimed {
			return nil, nil, errIdempotencyRace
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apperror.Internal("failed to commit transfer", err)
	}

	return result, audits, nil
}

func (s *LedgerService) destinationAccount(ctx context.Context, tx *sql.Tx, req TransferRequest) (string, bool, error) {
	switch to := req.To.(type) {
	case OwnAccount:
		return to.AccountID, false, nil
	case RecipientIdentifier:
		account, err := s.resolver.Resolve(ctx, tx, to)
		if err != nil {
			return "", false, err
		}
		if account.UserID == req.CallerID {
			return "", false, apperror.New(apperror.CodeSelfTransferToIdentity, "recipient is the sender; use a transfer between own accounts")
		}
		return account.ID, true, nil
	default:
		return "", false, apperror.New(apperror.CodeValidation, "transfer destination is required")
	}
}

// lockPair locks both rows in id order so opposing transfers cannot deadlock.
func (s *LedgerService) lockPair(ctx context.Context, tx *sql.Tx, fromID, toID string) (*models.Account, *models.Account, error) {
	firstLock, secondLock := fromID, toID
	if fromID > toID {
		firstLock, secondLock = toID, fromID
	}

	first, err := s.lockAccount(ctx, tx, firstLock)
	if err != nil {
		return nil, nil, err
	}
	second, err := s.lockAccount(ctx, tx, secondLock)
	if err != nil {
		return nil, nil, err
	}

	if firstLock != fromID {
		return second, first, nil
	}
	return first, second, nil
}

func (s *LedgerService) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	account, err := scanAccount(tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.CodeAccountNotFound, "account not found")
	}
	if err != nil {
		return nil, apperror.Internal("failed to lock account", err)
	}
	return account, nil
}

func checkTransfer(req TransferRequest, from, to *models.Account, peer bool) error {
	if from.UserID != req.CallerID {
		return apperror.New(apperror.CodeOwnershipMismatch, "source account does not belong to caller")
	}
	if !peer && to.UserID != req.CallerID {
		return apperror.New(apperror.CodeOwnershipMismatch, "destination account does not belong to caller")
	}
	if from.Currency != to.Currency {
		return apperror.New(apperror.CodeValidation, "accounts hold different currencies")
	}
	if from.BalanceMinorUnits < req.AmountMinorUnits {
		return apperror.New(apperror.CodeInsufficientFunds, "insufficient funds")
	}
	if to.BalanceMinorUnits > math.MaxInt64-req.AmountMinorUnits {
		return apperror.New(apperror.CodeValidation, "destination balance would overflow")
	}
	return nil
}

func (s *LedgerService) updateAccountBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance int64, version int, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_minor_units = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, accountID, version)
	if err != nil {
		return apperror.Internal("failed to update balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperror.Internal("failed to update balance", err)
	}
	if rowsAffected == 0 {
		return apperror.Internal("optimistic lock failed for account "+accountID, nil)
	}
	return nil
}

func (s *LedgerService) recordAudit(ctx context.Context, tx *sql.Tx, callerID, reference string, from, to *models.Account, amount int64, peer bool) ([]models.AuditLogEntry, error) {
	if !peer {
		entry, err := s.audit.Record(ctx, tx, callerID, audit.ActionTransferCompleted, models.Metadata{
			"reference":          reference,
			"from_account_id":    from.ID,
			"to_account_id":      to.ID,
			"amount_minor_units": amount,
			"currency":           from.Currency,
		})
		if err != nil {
			return nil, apperror.Internal("failed to write audit log", err)
		}
		return []models.AuditLogEntry{entry}, nil
	}

	sent, err := s.audit.Record(ctx, tx, callerID, audit.ActionTransferSent, models.Metadata{
		"reference":          reference,
		"from_account_id":    from.ID,
		"to_account":         to.MaskedNumber,
		"amount_minor_units": amount,
		"currency":           from.Currency,
	})
	if err != nil {
		return nil, apperror.Internal("failed to write audit log", err)
	}

	received, err := s.audit.Record(ctx, tx, to.UserID, audit.ActionTransferReceived, models.Metadata{
		"reference":          reference,
		"to_account_id":      to.ID,
		"from_account":       from.MaskedNumber,
		"amount_minor_units": amount,
		"currency":           from.Currency,
	})
	if err != nil {
		return nil, apperror.Internal("failed to write audit log", err)
	}

	return []models.AuditLogEntry{sent, received}, nil
}
