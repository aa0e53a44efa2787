package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	command TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	payload TEXT,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_command ON audit_records (command);
CREATE INDEX IF NOT EXISTS idx_audit_records_correlation ON audit_records (correlation_id);
`

// SQLiteStore provides SQLite-backed audit persistence.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens dsn (a path, file: URI or :memory:) and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage dsn is required")
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writes and keeps :memory: databases alive.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", schema} {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("prepare sqlite db: %w", err)
		}
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append persists one record. Re-delivered events with a known id are
// accepted without writing.
func (s *SQLiteStore) Append(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return taxonomy.ServiceUnavailable("audit storage is not configured")
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_records (
	event_id,
	event_type,
	command,
	execution_id,
	correlation_id,
	user_id,
	outcome,
	error_code,
	duration_ms,
	payload,
	occurred_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.EventID,
		record.EventType,
		record.Command,
		record.ExecutionID,
		record.CorrelationID,
		record.UserID,
		record.Outcome,
		record.ErrorCode,
		record.DurationMS,
		string(record.Payload),
		record.OccurredAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isConstraintError(err) {
			return nil
		}
		return classify("append audit record", err)
	}
	return nil
}

// List returns matching records in append order.
func (s *SQLiteStore) List(ctx context.Context, query Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, taxonomy.ServiceUnavailable("audit storage is not configured")
	}

	var (
		where []string
		args  []any
	)
	if query.Command != "" {
		where = append(where, "command = ?")
		args = append(args, query.Command)
	}
	if query.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, query.CorrelationID)
	}

	stmt := `SELECT event_id, event_type, command, execution_id, correlation_id, user_id,
	outcome, error_code, duration_ms, payload, occurred_at FROM audit_records`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY rowid DESC"
	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify("list audit records", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			payload    sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&r.EventID, &r.EventType, &r.Command, &r.ExecutionID, &r.CorrelationID,
			&r.UserID, &r.Outcome, &r.ErrorCode, &r.DurationMS, &payload, &occurredAt); err != nil {
			return nil, classify("scan audit record", err)
		}
		if payload.Valid && payload.String != "" {
			r.Payload = []byte(payload.String)
		}
		r.OccurredAt = time.UnixMilli(occurredAt).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate audit records", err)
	}
	slices.Reverse(records)
	return records, nil
}

// classify maps driver failures into the taxonomy. Busy and locked databases
// are retryable; other SQLite failures are not.
func classify(op string, err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return taxonomy.Wrap(fmt.Errorf("%s: %w", op, err))
	}
	code := sqliteErr.Code()
	opts := []taxonomy.Option{
		taxonomy.WithCause(err),
		taxonomy.WithDetail("sqlite_code", code),
		taxonomy.WithDetail("operation", op),
	}
	switch {
	case isBusyCode(code):
		return taxonomy.Database(op+": database is busy", opts...)
	case code&0xff == sqlite3.SQLITE_CONSTRAINT:
		return taxonomy.AlreadyExists("audit record", opts...)
	default:
		return taxonomy.Database(op+" failed", append(opts, taxonomy.WithRetryable(false))...)
	}
}

func isBusyCode(code int) bool {
	primary := code & 0xff
	return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
