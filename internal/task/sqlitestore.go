package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	repository_url TEXT NOT NULL,
	options        TEXT NOT NULL,
	status         TEXT NOT NULL,
	progress       INTEGER NOT NULL,
	current_step   TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	started_at     INTEGER,
	completed_at   INTEGER,
	error_message  TEXT NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL,
	seq            INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// SQLiteStore is a durable Store backed by a local SQLite database. A single
// connection plus a process-level mutex serializes writes per task while
// reads go through the same connection pool.
type SQLiteStore struct {
	mu  sync.Mutex // serializes read-modify-write in Update
	db  *sql.DB
	seq int64
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: mkdir %s: %w", filepath.Dir(path), err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}

	s := &SQLiteStore{db: db}

	// Resume the insertion-order sequence across restarts.
	row := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM tasks`)
	if err := row.Scan(&s.seq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: read sequence: %w", err)
	}

	return s, nil
}

// Create stores a new task row.
func (s *SQLiteStore) Create(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal options: %w", err)
	}

	s.seq++
	t.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO tasks (id, repository_url, options, status, progress, current_step,
			created_at, started_at, completed_at, error_message, updated_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RepositoryURL, string(opts), string(t.Status), t.ProgressPercentage,
		t.CurrentStep, t.CreatedAt.UnixNano(), nullableTime(t.StartedAt),
		nullableTime(t.CompletedAt), t.ErrorMessage, t.UpdatedAt.UnixNano(), s.seq,
	)
	if err != nil {
		return fmt.Errorf("task %q: insert: %w", t.ID, err)
	}
	return nil
}

// Get returns the task with the given ID, or ErrNotFound.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, repository_url, options, status, progress, current_step,
			created_at, started_at, completed_at, error_message, updated_at
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row, id)
}

// Update applies fn under the store mutex using read-modify-write, enforcing
// the same invariants as the in-memory store.
func (s *SQLiteStore) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, repository_url, options, status, progress, current_step,
			created_at, started_at, completed_at, error_message, updated_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row, id)
	if err != nil {
		return err
	}

	if err := applyMutation(t, fn); err != nil {
		return err
	}

	opts, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal options: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE tasks SET status = ?, progress = ?, current_step = ?, started_at = ?,
			completed_at = ?, error_message = ?, options = ?, updated_at = ?
		 WHERE id = ?`,
		string(t.Status), t.ProgressPercentage, t.CurrentStep, nullableTime(t.StartedAt),
		nullableTime(t.CompletedAt), t.ErrorMessage, string(opts), t.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("task %q: update: %w", id, err)
	}
	return nil
}

// List returns all tasks in insertion order.
func (s *SQLiteStore) List() ([]Task, error) {
	return s.query(`SELECT id, repository_url, options, status, progress, current_step,
		created_at, started_at, completed_at, error_message, updated_at
	 FROM tasks ORDER BY seq`)
}

// ListActive returns non-terminal tasks in insertion order.
func (s *SQLiteStore) ListActive() ([]Task, error) {
	return s.query(`SELECT id, repository_url, options, status, progress, current_step,
		created_at, started_at, completed_at, error_message, updated_at
	 FROM tasks WHERE status IN ('pending', 'running') ORDER BY seq`)
}

// Delete removes the task with the given ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("task %q: delete: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) query(q string) ([]Task, error) {
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row, id string) (*Task, error) {
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return t, err
}

func scanTaskRow(sc scanner) (*Task, error) {
	var (
		t                      Task
		opts                   string
		status                 string
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)
	err := sc.Scan(&t.ID, &t.RepositoryURL, &opts, &status, &t.ProgressPercentage,
		&t.CurrentStep, &createdAt, &startedAt, &completedAt, &t.ErrorMessage, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(opts), &t.Options); err != nil {
		return nil, fmt.Errorf("task %q: unmarshal options: %w", t.ID, err)
	}
	t.Status = State(status)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if startedAt.Valid {
		ts := time.Unix(0, startedAt.Int64).UTC()
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(0, completedAt.Int64).UTC()
		t.CompletedAt = &ts
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
