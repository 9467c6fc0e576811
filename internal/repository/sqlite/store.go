// Package sqlite: встраиваемое хранилище шлюза для dev-стендов и тестов.
// Условные переходы (CAS) выполняются теми же UPDATE ... WHERE ... RETURNING,
// что и в PostgreSQL, поэтому поведение леджера проверяется на настоящем SQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/glebarez/go-sqlite"
)

type Store struct {
	db  *sql.DB
	qb  sq.StatementBuilderType
	dsn string
}

// Open открывает (и при необходимости создает) базу по DSN и накатывает схему.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite: missing dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Один писатель: SQLite сериализует запись, а :memory: живет в рамках одного соединения
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:  db,
		qb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		dsn: dsn,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  name TEXT NOT NULL,
  key_hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS upstreams (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  name TEXT NOT NULL,
  connection TEXT NOT NULL,
  tools TEXT NOT NULL DEFAULT '[]',
  UNIQUE (workspace_id, name)
);

CREATE TABLE IF NOT EXISTS policy_rules (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  effect TEXT NOT NULL,
  action_class TEXT NOT NULL,
  upstream_id TEXT,
  tool_name TEXT,
  domain TEXT,
  recipient TEXT,
  priority INTEGER NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  source TEXT NOT NULL DEFAULT 'authored',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_rules_ws ON policy_rules(workspace_id);

CREATE TABLE IF NOT EXISTS requests (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  upstream_id TEXT NOT NULL,
  tool_name TEXT NOT NULL,
  action_class TEXT NOT NULL,
  risk_level TEXT NOT NULL DEFAULT '',
  risk_flags TEXT NOT NULL DEFAULT '{}',
  resource TEXT NOT NULL DEFAULT '{}',
  redacted_args TEXT NOT NULL DEFAULT '{}',
  args_hash TEXT NOT NULL,
  request_hash TEXT NOT NULL,
  decision TEXT NOT NULL,
  denial_reason TEXT,
  rule_id TEXT,
  approval_request_id TEXT,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS request_outcomes (
  id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL,
  trace_id TEXT,
  agent_id TEXT,
  upstream_id TEXT,
  tool_name TEXT,
  status TEXT NOT NULL,
  error TEXT,
  duration_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_requests (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  request_id TEXT NOT NULL REFERENCES requests(id),
  status TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  denial_reason TEXT,
  resolved_by TEXT,
  resolved_at INTEGER,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_ws_status ON approval_requests(workspace_id, status);

CREATE TABLE IF NOT EXISTS approval_tokens (
  id TEXT PRIMARY KEY,
  approval_request_id TEXT NOT NULL UNIQUE REFERENCES approval_requests(id),
  raw_token TEXT,
  token_hash TEXT NOT NULL UNIQUE,
  retrieved_at INTEGER,
  spent_at INTEGER,
  created_at INTEGER NOT NULL
);
`

// Время храним в unix-миллисекундах UTC

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return toMillis(*t)
}

func ptrMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func ptrString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
