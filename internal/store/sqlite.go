package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskwire/taskwire/internal/task"
)

// SQLite is a task store backed by a SQLite database, for deployments that
// need task state to survive a coordinator restart.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed initializes) a SQLite-backed store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		url TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		payload BLOB,
		process TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		finished_at DATETIME,
		detail TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (url, status, payload, process, progress, started_at, finished_at, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.URL, string(t.Status), t.Payload, nullString(t.Process), t.Progress,
		nullTime(t.StartedAt), nullTime(t.FinishedAt), nullString(t.Detail), t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExists, t.URL)
		}
		return fmt.Errorf("insert task %s: %w", t.URL, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, url string) (*task.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `
		SELECT url, status, payload, process, progress, started_at, finished_at, detail, created_at
		FROM tasks WHERE url = ?
	`, url), url)
}

func (s *SQLite) Update(ctx context.Context, url string, fn func(*task.Task) error) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `
		SELECT url, status, payload, process, progress, started_at, finished_at, detail, created_at
		FROM tasks WHERE url = ?
	`, url), url)
	if err != nil {
		return nil, err
	}

	if err := fn(t); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, payload = ?, process = ?, progress = ?, started_at = ?, finished_at = ?, detail = ?
		WHERE url = ?
	`, string(t.Status), t.Payload, nullString(t.Process), t.Progress,
		nullTime(t.StartedAt), nullTime(t.FinishedAt), nullString(t.Detail), url)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", url, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return t, nil
}

func (s *SQLite) List(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, status, payload, process, progress, started_at, finished_at, detail, created_at
		FROM tasks ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, url string) (*task.Task, error) {
	var t task.Task
	var status string
	var process, detail sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&t.URL, &status, &t.Payload, &process, &t.Progress,
		&startedAt, &finishedAt, &detail, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = task.Status(status)
	if process.Valid {
		t.Process = process.String
	}
	if detail.Valid {
		t.Detail = detail.String
	}
	if startedAt.Valid {
		at := startedAt.Time
		t.StartedAt = &at
	}
	if finishedAt.Valid {
		at := finishedAt.Time
		t.FinishedAt = &at
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint violations through the error
	// string; matching on it avoids leaking driver error types into the
	// store's surface.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
