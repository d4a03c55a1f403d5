package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledgercore/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	ActionTransferCompleted = "transfer.completed"
	ActionTransferSent      = "transfer.sent"
	ActionTransferReceived  = "transfer.received"
	ActionAccountOpened     = "account.opened"
	ActionNumberRevealed    = "account.number_revealed"
	ActionUserRegistered    = "user.registered"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Logger appends audit rows through the caller's transaction and mirrors
// committed entries to a log sink.
type Logger struct {
	sink  *logrus.Entry
	now   func() time.Time
	newID func() string
}

func NewLogger(sink *logrus.Logger) *Logger {
	return &Logger{
		sink:  sink.WithField("stream", "audit"),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Record writes one entry using exec. Pass the transaction that performs the
// documented mutation so both commit or roll back together.
func (l *Logger) Record(ctx context.Context, exec Execer, actorID, action string, metadata models.Metadata) (models.AuditLogEntry, error) {
	entry := models.AuditLogEntry{
		ID:        l.newID(),
		ActorID:   actorID,
		Action:    action,
		Metadata:  metadata,
		CreatedAt: l.now().UTC(),
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.ActorID, entry.Action, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("failed to write audit entry %s: %w", action, err)
	}

	return entry, nil
}

// Publish emits entries to the sink. Only call it after the transaction that
// recorded them has committed.
func (l *Logger) Publish(entries ...models.AuditLogEntry) {
	for _, entry := range entries {
		fields := logrus.Fields{
			"audit_id": entry.ID,
			"actor_id": entry.ActorID,
			"action":   entry.Action,
		}
		for k, v := range entry.Metadata {
			fields["meta_"+k] = v
		}
		l.sink.WithTime(entry.CreatedAt).WithFields(fields).Info("audit")
	}
}
