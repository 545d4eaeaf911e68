package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/superagents/pkg/models"
)

// SQLite is a Log persisted in a SQLite database. Appends are committed
// with synchronous=FULL so an acknowledged event survives a crash.
type SQLite struct {
	conn *sql.DB
	path string
	// mu serializes order checks with the inserts that follow them.
	mu sync.Mutex
}

// DefaultPath returns the default audit database location.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "superagents", "audit.db")
}

// OpenSQLite opens (creating if needed) the audit database at path and
// applies pending migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLite{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *SQLite) SchemaVersion() (int, error) {
	var v int
	err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

func (s *SQLite) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Events},
		{2, migrationV2Parent},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Events = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id, kind);
`

const migrationV2Parent = `
ALTER TABLE audit_events ADD COLUMN session_kind TEXT NOT NULL DEFAULT '';
ALTER TABLE audit_events ADD COLUMN parent_id TEXT NOT NULL DEFAULT '';
`

// Append implements Log.
func (s *SQLite) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[models.SessionID]history)
	for _, e := range events {
		h, ok := seen[e.SessionID]
		if !ok {
			h, err = loadHistory(ctx, tx, e.SessionID)
			if err != nil {
				return err
			}
			seen[e.SessionID] = h
		}
		if err := h.accept(e); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events (kind, session_id, session_kind, parent_id, recorded_at, detail)
			VALUES (?, ?, ?, ?, ?, ?)
		`, string(e.Kind), string(e.SessionID), string(e.SessionKind), string(e.ParentID),
			formatTime(e.Timestamp), e.Detail)
		if err != nil {
			return fmt.Errorf("insert %s event for %s: %w", e.Kind, e.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func loadHistory(ctx context.Context, tx *sql.Tx, id models.SessionID) (history, error) {
	rows, err := tx.QueryContext(ctx, "SELECT kind FROM audit_events WHERE session_id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", id, err)
	}
	defer rows.Close()

	h := history{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h[Kind(k)] = true
	}
	return h, rows.Err()
}

// Recorded implements Log.
func (s *SQLite) Recorded(ctx context.Context, id models.SessionID, kind Kind) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_events WHERE session_id = ? AND kind = ?",
		string(id), string(kind)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s event for %s: %w", kind, id, err)
	}
	return n > 0, nil
}

// Events implements Log.
func (s *SQLite) Events(ctx context.Context, f Filter) ([]Event, error) {
	query := `SELECT seq, kind, session_id, session_kind, parent_id, recorded_at, detail
		FROM audit_events WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, string(f.SessionID))
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind, id, sessionKind, parent, at string
		if err := rows.Scan(&e.Seq, &kind, &id, &sessionKind, &parent, &at, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = Kind(kind)
		e.SessionID = models.SessionID(id)
		e.SessionKind = models.SessionKind(sessionKind)
		e.ParentID = models.SessionID(parent)
		if e.Timestamp, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("audit event %d timestamp: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
