// Package journal persists module load events to SQLite.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Kind names what produced an entry.
type Kind string

const (
	KindStep           Kind = "step"
	KindTrace          Kind = "trace"
	KindProfiler       Kind = "profiler"
	KindDebuggerLoad   Kind = "debugger_load"
	KindDebuggerUnload Kind = "debugger_unload"
	KindEnumerable     Kind = "enumerable"
)

// Entry is one journaled event.
type Entry struct {
	ID        int64
	UnitID    string
	Module    string
	Domain    string
	Kind      Kind
	Level     string
	Err       string
	CreatedAt time.Time
}

// Store provides SQLite-backed load journal persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a journal database and creates its schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
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

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append persists one entry.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("journal is not configured")
	}
	if e.UnitID == "" {
		return fmt.Errorf("unit id is required")
	}
	if e.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO load_events (
	unit_id,
	module,
	domain,
	kind,
	level,
	error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		e.UnitID,
		e.Module,
		e.Domain,
		string(e.Kind),
		e.Level,
		e.Err,
		e.CreatedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// List returns entries in insertion order. A non-empty unitID restricts the
// result to one unit; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, unitID string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	unit_id,
	module,
	domain,
	kind,
	level,
	error,
	created_at
FROM load_events
WHERE ? = '' OR unit_id = ?
ORDER BY id ASC
LIMIT ?
`, unitID, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var createdAt int64
		if err := rows.Scan(
			&e.ID,
			&e.UnitID,
			&e.Module,
			&e.Domain,
			&kind,
			&e.Level,
			&e.Err,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.CreatedAt = time.UnixMicro(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Count returns how many entries of kind were journaled for unitID.
func (s *Store) Count(ctx context.Context, unitID string, kind Kind) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM load_events WHERE unit_id = ? AND kind = ?`,
		unitID, string(kind),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}
