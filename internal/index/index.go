// Package index is the SQLite-backed session catalog: session metadata and
// the append-only command history. Single writer per process; reads go
// through the non-committing path.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/haricheung/ops-shell/internal/types"
)

// migrations run in order on open; the applied version is tracked in
// schema_versions so re-opening an old database only applies the tail.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL,
		goal         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'active',
		created_at   TEXT NOT NULL,
		path         TEXT NOT NULL DEFAULT '',
		parent_id    TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		session_type TEXT NOT NULL DEFAULT 'main',
		metadata     TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS command_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		timestamp  TEXT NOT NULL,
		skill_id   TEXT NOT NULL DEFAULT 'core',
		command    TEXT NOT NULL,
		exit_code  INTEGER NOT NULL DEFAULT 0,
		output     TEXT NOT NULL DEFAULT '',
		os         TEXT NOT NULL DEFAULT '',
		release    TEXT NOT NULL DEFAULT '',
		shell      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_history_session
		ON command_history(session_id, timestamp)`,
}

// addColumns are idempotent late additions: applied on every connect,
// duplicate-column errors ignored.
var addColumns = []string{
	`ALTER TABLE command_history ADD COLUMN cwd TEXT NOT NULL DEFAULT ''`,
}

// DB wraps the catalog connection.
type DB struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to the database at path, enables WAL journaling and foreign
// keys, and applies pending migrations.
func Open(path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	// database/sql pools connections; SQLite wants exactly one writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: %s: %w", pragma, err)
		}
	}

	d := &DB{db: db, log: log.Named("index")}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the connection.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL DEFAULT (datetime('now')))`); err != nil {
		return fmt.Errorf("index: schema_versions: %w", err)
	}
	var current int
	if err := d.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&current); err != nil {
		return fmt.Errorf("index: read schema version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("index: begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("index: migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions(version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("index: record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("index: commit migration %d: %w", i+1, err)
		}
		d.log.Info("applied migration", zap.Int("version", i+1))
	}
	// Late column additions: duplicate-column failures mean already applied.
	for _, stmt := range addColumns {
		if _, err := d.db.Exec(stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("index: add column: %w", err)
			}
		}
	}
	return nil
}

// Execute runs a write statement inside a committed transaction.
func (d *DB) Execute(ctx context.Context, query string, args ...any) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("index: execute: %w", err)
	}
	return tx.Commit()
}

// ReadExecute runs a read-only query with no transaction and no commit.
func (d *DB) ReadExecute(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: read: %w", err)
	}
	return rows, nil
}

// InsertSession adds a session row.
func (d *DB) InsertSession(ctx context.Context, s types.Session) error {
	var parent any
	if s.ParentID != "" {
		parent = s.ParentID
	}
	return d.Execute(ctx,
		`INSERT INTO sessions (id, title, goal, status, created_at, path, parent_id, session_type, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}')`,
		s.ID, s.Title, s.Goal, s.Status, s.CreatedAt, s.Path, parent, s.SessionType)
}

// RenameSession changes a session's title.
func (d *DB) RenameSession(ctx context.Context, id, title string) error {
	return d.Execute(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
}

// SetStatus updates a session's lifecycle status (active/archived/merged).
func (d *DB) SetStatus(ctx context.Context, id, status string) error {
	return d.Execute(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
}

// DeleteSession removes the row; command history cascades.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	return d.Execute(ctx, `DELETE FROM sessions WHERE id = ?`, id)
}

// LogCommand appends one executed command to the history.
func (d *DB) LogCommand(ctx context.Context, r types.CommandRecord) error {
	return d.Execute(ctx,
		`INSERT INTO command_history (session_id, timestamp, skill_id, command, exit_code, output, os, release, shell, cwd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Timestamp, r.SkillID, r.Command, r.ExitCode, r.Output, r.OS, r.Release, r.Shell, r.Cwd)
}

// Metrics summarizes one session's command history.
type Metrics struct {
	CommandCount int
	OS           string
	Shell        string
}

// GetSessionMetrics returns the total command count and the most frequent
// (os, shell) pair seen in the session's history.
func (d *DB) GetSessionMetrics(ctx context.Context, id string) (Metrics, error) {
	var m Metrics
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_history WHERE session_id = ?`, id).Scan(&m.CommandCount); err != nil {
		return m, fmt.Errorf("index: metrics count: %w", err)
	}
	err := d.db.QueryRowContext(ctx,
		`SELECT os, shell FROM command_history WHERE session_id = ?
		 GROUP BY os, shell ORDER BY COUNT(*) DESC, os, shell LIMIT 1`, id).
		Scan(&m.OS, &m.Shell)
	if err != nil && err != sql.ErrNoRows {
		return m, fmt.Errorf("index: metrics env: %w", err)
	}
	return m, nil
}

// ListSessions returns sessions newest-first; a non-empty query filters by
// substring over id, title and goal.
func (d *DB) ListSessions(ctx context.Context, query string) ([]types.Session, error) {
	q := `SELECT id, title, goal, status, created_at, path, COALESCE(parent_id, ''), session_type
	      FROM sessions`
	var args []any
	if query != "" {
		q += ` WHERE id LIKE ? OR title LIKE ? OR goal LIKE ?`
		like := "%" + query + "%"
		args = append(args, like, like, like)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := d.ReadExecute(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		var s types.Session
		if err := rows.Scan(&s.ID, &s.Title, &s.Goal, &s.Status, &s.CreatedAt, &s.Path, &s.ParentID, &s.SessionType); err != nil {
			return nil, fmt.Errorf("index: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSessionDetails returns one session row plus its metrics.
func (d *DB) GetSessionDetails(ctx context.Context, id string) (types.Session, Metrics, error) {
	var s types.Session
	err := d.db.QueryRowContext(ctx,
		`SELECT id, title, goal, status, created_at, path, COALESCE(parent_id, ''), session_type
		 FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.Title, &s.Goal, &s.Status, &s.CreatedAt, &s.Path, &s.ParentID, &s.SessionType)
	if err != nil {
		if err == sql.ErrNoRows {
			return s, Metrics{}, fmt.Errorf("index: session %s not found", id)
		}
		return s, Metrics{}, fmt.Errorf("index: get session: %w", err)
	}
	m, err := d.GetSessionMetrics(ctx, id)
	return s, m, err
}

// ResetAll purges every row. The caller handles the filesystem side.
func (d *DB) ResetAll(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin reset: %w", err)
	}
	for _, stmt := range []string{`DELETE FROM command_history`, `DELETE FROM sessions`} {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("index: reset: %w", err)
		}
	}
	return tx.Commit()
}
