package repository

import (
	"context"
	"fmt"
)

type migration struct {
	Version    int
	Name       string
	Statements []string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "sessions_and_messages",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				customer_id TEXT,
				active_specialist TEXT,
				status TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				last_activity_at BIGINT NOT NULL,
				expires_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_pair ON sessions(user_id, customer_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(status, expires_at)`,
			`CREATE TABLE IF NOT EXISTS session_specialists (
				session_id TEXT NOT NULL REFERENCES sessions(id),
				seq BIGINT NOT NULL,
				specialist_id TEXT NOT NULL,
				method TEXT NOT NULL,
				switched_at BIGINT NOT NULL,
				PRIMARY KEY (session_id, seq)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				seq BIGINT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				specialist_id TEXT,
				created_at BIGINT NOT NULL,
				UNIQUE (session_id, seq)
			)`,
		},
	},
	{
		Version: 2,
		Name:    "tool_calls_and_approvals",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS tool_calls (
				id TEXT PRIMARY KEY,
				message_id TEXT NOT NULL REFERENCES messages(id),
				session_id TEXT NOT NULL REFERENCES sessions(id),
				ordinal INTEGER NOT NULL,
				tool_name TEXT NOT NULL,
				arguments TEXT,
				requesting_specialist TEXT NOT NULL,
				policy_verdict TEXT,
				status TEXT NOT NULL,
				result TEXT,
				error TEXT,
				idempotency_key TEXT NOT NULL UNIQUE,
				attempts INTEGER NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				completed_at BIGINT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id, ordinal)`,
			`CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS approval_requests (
				id TEXT PRIMARY KEY,
				tool_call_id TEXT NOT NULL UNIQUE REFERENCES tool_calls(id),
				session_id TEXT NOT NULL REFERENCES sessions(id),
				status TEXT NOT NULL,
				resolved_by TEXT,
				resolved_at BIGINT,
				resolution_comment TEXT,
				created_at BIGINT NOT NULL,
				completed_at BIGINT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status, created_at)`,
		},
	},
	{
		Version: 3,
		Name:    "audit_log",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS audit_log (
				session_id TEXT NOT NULL REFERENCES sessions(id),
				seq BIGINT NOT NULL,
				kind TEXT NOT NULL,
				actor TEXT NOT NULL,
				tool_call_id TEXT,
				approval_id TEXT,
				verdict TEXT,
				outcome TEXT NOT NULL,
				detail TEXT,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (session_id, seq)
			)`,
		},
	},
}

// Migrate applies all pending migrations in order, each in its own transaction.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.isMigrationApplied(ctx, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_migrations (version, name) VALUES (?, ?)"), m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *SQLStore) isMigrationApplied(ctx context.Context, version int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking migration %d: %w", version, err)
	}
	return count > 0, nil
}
