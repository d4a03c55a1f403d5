package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultIdempotencyRetention is how long cached responses are kept.
const DefaultIdempotencyRetention = 24 * time.Hour

// IdempotencyStore caches operation responses under the unique
// (caller, operation, key) triple.
type IdempotencyStore struct {
	db        *sql.DB
	retention time.Duration
	log       *logrus.Entry
	now       func() time.Time
	newID     func() string
}

func NewIdempotencyStore(db *sql.DB, retention time.Duration, log *logrus.Entry) *IdempotencyStore {
	if retention <= 0 {
		retention = DefaultIdempotencyRetention
	}
	return &IdempotencyStore{
		db:        db,
		retention: retention,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Get returns the cached record, or nil when the triple has never been stored.
func (s *IdempotencyStore) Get(ctx context.Context, userID, operation, key string) (*models.IdempotencyRecord, error) {
	var (
		rec      models.IdempotencyRecord
		response []byte
		entryID  sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, operation, idempotency_key, request_hash, response, ledger_entry_id, created_at
		FROM idempotency_records
		WHERE user_id = $1 AND operation = $2 AND idempotency_key = $3`,
		userID, operation, key,
	).Scan(&rec.UserID, &rec.Operation, &rec.Key, &rec.RequestHash, &response, &entryID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	rec.Response = response
	if entryID.Valid {
		rec.LedgerEntryID = &entryID.String
	}
	return &rec, nil
}

// Put stores rec through q unless the triple already exists, in which case
// the existing row is left untouched and Put reports false. The unique
// constraint decides between concurrent writers.
func (s *IdempotencyStore) Put(ctx context.Context, q Querier, rec models.IdempotencyRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO idempotency_records
			(id, user_id, operation, idempotency_key, request_hash, response, ledger_entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, operation, idempotency_key) DO NOTHING
		RETURNING id`,
		s.newID(), rec.UserID, rec.Operation, rec.Key, rec.RequestHash, []byte(rec.Response), rec.LedgerEntryID, rec.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return true, nil
}

// DeleteExpired removes records older than the retention window and returns
// how many were deleted. It runs out of band from the transfer path.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"deleted": deleted,
		"cutoff":  cutoff,
	}).Info("idempotency records swept")
	return deleted, nil
}
