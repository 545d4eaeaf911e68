package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/superagents/internal/audit"
)

// ExportSchemaVersion is written into every exported file. Bump it when
// the layout of the markdown changes.
const ExportSchemaVersion = 1

// SessionsFile is the export file holding session lifecycle history.
const SessionsFile = "sessions.md"

// FrontMatter heads every exported markdown file.
type FrontMatter struct {
	SchemaVersion int       `yaml:"schema_version"`
	Kind          string    `yaml:"kind"`
	Count         int       `yaml:"count"`
	ExportedAt    time.Time `yaml:"exported_at"`
}

// FileName returns the export file name for t.
func FileName(t Type) string {
	switch t {
	case TypeIdentity:
		return "identity.md"
	default:
		return string(t) + "s.md"
	}
}

// ExportCanonical writes one markdown file per memory type to dir, plus
// sessions.md rendered from the lifecycle event source when one is set.
// Files are replaced atomically.
func (s *Store) ExportCanonical(ctx context.Context, dir string) error {
	if dir == "" {
		return errors.New("export: no output directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	now := s.clock.Now().UTC()

	for _, t := range Types() {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := s.ByType(ctx, t)
		if err != nil {
			return err
		}
		data, err := renderRecords(t, records, now)
		if err != nil {
			return err
		}
		if err := writeAtomic(filepath.Join(dir, FileName(t)), data); err != nil {
			return err
		}
	}

	if s.events != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := s.events.Events(ctx, audit.Filter{})
		if err != nil {
			return fmt.Errorf("read lifecycle events: %w", err)
		}
		data, err := renderSessions(events, now)
		if err != nil {
			return err
		}
		if err := writeAtomic(filepath.Join(dir, SessionsFile), data); err != nil {
			return err
		}
	}

	s.logger.Debug("canonical export written", "dir", dir)
	return nil
}

func writeFrontMatter(buf *bytes.Buffer, fm FrontMatter) error {
	b, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString("---\n")
	buf.Write(b)
	buf.WriteString("---\n\n")
	return nil
}

func renderRecords(t Type, records []Record, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFrontMatter(&buf, FrontMatter{
		SchemaVersion: ExportSchemaVersion,
		Kind:          string(t),
		Count:         len(records),
		ExportedAt:    now,
	}); err != nil {
		return nil, err
	}

	fmt.Fprintf(&buf, "# %s\n", strings.TrimSuffix(FileName(t), ".md"))
	for _, r := range records {
		header, err := yaml.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		fmt.Fprintf(&buf, "\n## %s\n\n```yaml\n%s```\n\n%s\n", r.ID, header, strings.TrimSpace(r.Content))
	}
	return buf.Bytes(), nil
}

func renderSessions(events []audit.Event, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFrontMatter(&buf, FrontMatter{
		SchemaVersion: ExportSchemaVersion,
		Kind:          "sessions",
		Count:         len(events),
		ExportedAt:    now,
	}); err != nil {
		return nil, err
	}

	buf.WriteString("# sessions\n\n")
	buf.WriteString("| seq | time | event | session | kind | parent | detail |\n")
	buf.WriteString("|-----|------|-------|---------|------|--------|--------|\n")
	for _, e := range events {
		fmt.Fprintf(&buf, "| %d | %s | %s | %s | %s | %s | %s |\n",
			e.Seq,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Kind,
			e.SessionID,
			e.SessionKind,
			e.ParentID,
			strings.ReplaceAll(e.Detail, "|", `\|`),
		)
	}
	return buf.Bytes(), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadFrontMatter parses the front matter of an exported file and returns
// it with the remaining body.
func ReadFrontMatter(data []byte) (FrontMatter, []byte, error) {
	var fm FrontMatter
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return fm, nil, errors.New("missing front matter")
	}
	head, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return fm, nil, errors.New("unterminated front matter")
	}
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return fm, nil, fmt.Errorf("decode front matter: %w", err)
	}
	return fm, bytes.TrimLeft(body, "\n"), nil
}
