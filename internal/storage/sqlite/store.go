// Package sqlite persists session lifecycle events.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dweam-team/world-arcade/internal/session"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed session event ledger.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the ledger at path and creates its tables.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Record appends one lifecycle event.
func (s *Store) Record(ctx context.Context, ev session.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	if ev.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO session_events (
	session_id,
	event_type,
	kind,
	variant,
	reason,
	detail,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		ev.SessionID,
		ev.Type.String(),
		ev.Kind,
		ev.Variant,
		ev.Reason,
		ev.Detail,
		ev.At.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record session event: %w", err)
	}
	return nil
}

// List returns up to limit events, newest first. A non-empty sessionID
// restricts the result to that session.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	session_id,
	event_type,
	kind,
	variant,
	reason,
	detail,
	created_at
FROM session_events
WHERE ? = '' OR session_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	events := make([]session.Event, 0, limit)
	for rows.Next() {
		var ev session.Event
		var eventType string
		var createdAt int64
		if err := rows.Scan(
			&ev.SessionID,
			&eventType,
			&ev.Kind,
			&ev.Variant,
			&ev.Reason,
			&ev.Detail,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		t, ok := session.ParseEventType(eventType)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", eventType)
		}
		ev.Type = t
		ev.At = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return events, nil
}

// Prune deletes events recorded before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	return res.RowsAffected()
}

var _ session.Recorder = (*Store)(nil)
