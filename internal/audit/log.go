// Package audit records routing, tool and approval events in the append-only audit log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/repository"
)

// Log appends audit entries with a monotonic per-session sequence.
type Log struct {
	store repository.Store
	log   *logging.Logger
	now   func() time.Time
}

// New creates an audit log over the durable store.
func New(store repository.Store, logger *logging.Logger) *Log {
	return &Log{
		store: store,
		log:   logger.Sub("audit"),
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Record appends entry. detail, when non-nil, is stored as JSON.
// entry.Seq and entry.CreatedAt are filled in.
func (l *Log) Record(ctx context.Context, entry *domain.AuditEntry, detail any) error {
	if detail != nil && entry.Detail == nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		entry.Detail = b
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		l.log.Error().Err(err).
			Str("session_id", entry.SessionID).
			Str("kind", string(entry.Kind)).
			Str("outcome", entry.Outcome).
			Msg("failed to append audit entry")
		return domain.Persistence("append audit entry", err)
	}
	l.log.Debug().
		Str("session_id", entry.SessionID).
		Int64("seq", entry.Seq).
		Str("kind", string(entry.Kind)).
		Str("verdict", entry.Verdict).
		Str("outcome", entry.Outcome).
		Msg("audit")
	return nil
}

// List returns entries of a session after afterSeq.
func (l *Log) List(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	entries, err := l.store.ListAudit(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, domain.Persistence("list audit entries", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}
