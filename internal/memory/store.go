package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/clock"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// ErrInvalidRecord is returned by Write for records that cannot be stored.
var ErrInvalidRecord = errors.New("invalid memory record")

// EventSource supplies session lifecycle history for the export.
type EventSource interface {
	Events(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// Option configures a Store.
type Option func(*Store)

// WithEvents sets the lifecycle source rendered into sessions.md.
func WithEvents(src EventSource) Option {
	return func(s *Store) { s.events = src }
}

// WithClock sets the time source for export timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store keeps memory records in SQLite.
type Store struct {
	db     *sql.DB
	path   string
	events EventSource
	clock  clock.Clock
	logger *slog.Logger
}

// DefaultPath returns the default memory database location.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".superagents", "memory.db")
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "superagents", "memory.db")
}

// Open creates or opens the memory database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		clock:  clock.Real(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "memory")
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	memory_type TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT,
	session_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
`

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Write stores r. A missing id or timestamp is filled in.
func (s *Store) Write(ctx context.Context, r Record) (Record, error) {
	if !r.Type.Valid() {
		return Record{}, fmt.Errorf("%w: type %q", ErrInvalidRecord, r.Type)
	}
	if strings.TrimSpace(r.Content) == "" {
		return Record{}, fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now().UTC()
	}

	var md sql.NullString
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return Record{}, fmt.Errorf("%w: metadata: %v", ErrInvalidRecord, err)
		}
		md = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, memory_type, content, metadata, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Type), r.Content, md, string(r.SessionID), r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert memory: %w", err)
	}
	return r, nil
}

// Recall returns records matching q, best match first. Records are scored
// by how many query terms their content contains; ties go to the newest.
// An empty query returns the newest records.
func (s *Store) Recall(ctx context.Context, q RecallQuery) ([]Record, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	terms := strings.Fields(strings.ToLower(q.Text))
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "memory_type = ?")
		args = append(args, string(q.Type))
	}
	if len(terms) > 0 {
		var or []string
		for _, t := range terms {
			or = append(or, `LOWER(content) LIKE ? ESCAPE '\'`)
			args = append(args, "%"+likeEscaper.Replace(t)+"%")
		}
		where = append(where, "("+strings.Join(or, " OR ")+")")
	}

	query := `SELECT id, memory_type, content, metadata, session_id, created_at FROM memories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if len(terms) == 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	records, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	if len(terms) == 0 {
		return records, nil
	}

	scores := make(map[string]int, len(records))
	for _, r := range records {
		content := strings.ToLower(r.Content)
		for _, t := range terms {
			if strings.Contains(content, t) {
				scores[r.ID]++
			}
		}
	}
	matched := records[:0]
	for _, r := range records {
		if scores[r.ID] > 0 {
			matched = append(matched, r)
		}
	}
	records = matched
	sort.SliceStable(records, func(i, j int) bool {
		return scores[records[i].ID] > scores[records[j].ID]
	})
	if len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// likeEscaper makes LIKE wildcards in a query term match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// ByType returns every record of type t, oldest first.
func (s *Store) ByType(ctx context.Context, t Type) ([]Record, error) {
	records, err := s.query(ctx, `
		SELECT id, memory_type, content, metadata, session_id, created_at
		FROM memories WHERE memory_type = ? ORDER BY created_at ASC, id ASC`, string(t))
	if err != nil {
		return nil, fmt.Errorf("list %s memories: %w", t, err)
	}
	return records, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			typ, sid string
			md       sql.NullString
			created  int64
		)
		if err := rows.Scan(&r.ID, &typ, &r.Content, &md, &sid, &created); err != nil {
			return nil, err
		}
		r.Type = Type(typ)
		r.SessionID = models.SessionID(sid)
		r.CreatedAt = time.Unix(0, created).UTC()
		if md.Valid {
			if err := json.Unmarshal([]byte(md.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
