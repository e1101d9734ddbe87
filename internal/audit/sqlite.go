package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Writer and Reader on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the audit database at path and applies
// the schema. Use ":memory:" for an in-memory database in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection, for health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts one audit row. Fail-closed: insert errors are returned.
func (s *SQLiteStore) Append(ctx context.Context, event Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, timestamp, request_id, action, issuer, subject,
			key_id, success, error_code, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		ts.Format(time.RFC3339Nano),
		event.RequestID,
		string(event.Action),
		event.Issuer,
		event.Subject,
		event.KeyID,
		boolToInt(event.Success),
		nullable(event.ErrorCode),
		nullable(event.Metadata),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	return nil
}

// Query returns audit rows matching params, ordered by timestamp DESC.
func (s *SQLiteStore) Query(ctx context.Context, params QueryParams) ([]Event, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)

	if params.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(params.Action))
	}

	if params.Subject != "" {
		// Case-sensitive contains match; user input must match literally,
		// so LIKE metacharacters are escaped.
		where = append(where, `subject LIKE ? ESCAPE '\'`)
		args = append(args, "%"+EscapeLike(params.Subject)+"%")
	}

	if params.StartDate != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, params.StartDate)
	}

	if params.EndDate != "" {
		where = append(where, "timestamp <= ?")
		args = append(args, params.EndDate)
	}

	query := "SELECT id, timestamp, request_id, action, issuer, subject, " +
		"key_id, success, error_code, metadata FROM audit_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, params.Limit, params.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	events := make([]Event, 0, params.Limit)

	for rows.Next() {
		var (
			e         Event
			ts        string
			success   int
			errorCode sql.NullString
			metadata  sql.NullString
		)

		err := rows.Scan(
			&e.ID, &ts, &e.RequestID, (*string)(&e.Action), &e.Issuer,
			&e.Subject, &e.KeyID, &success, &errorCode, &metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", ts, err)
		}

		e.Timestamp = parsed
		e.Success = success != 0
		e.ErrorCode = errorCode.String
		e.Metadata = metadata.String

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading audit rows: %w", err)
	}

	return events, nil
}

// EscapeLike escapes the LIKE wildcards and the escape character itself so
// that user input matches literally under ESCAPE '\'.
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// boolToInt converts a bool to the 0/1 representation stored in SQLite.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps an empty string to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
