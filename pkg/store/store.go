// Package store manages all SQLite persistence for labcoord.
//
// The store is the single authoritative copy of every Project,
// Application, Task, Resource, Reservation and Notification. Engines
// hold no state between calls: each operation runs as one unit of work
// (Update) that reads fresh rows, validates, and writes back.
//
// Atomicity comes from two layers:
//
//   - Every Update runs in a BEGIN IMMEDIATE transaction (_txlock=immediate),
//     so write units of work are serialized by SQLite while WAL readers
//     proceed concurrently. A check performed inside the unit of work
//     (capacity, slot overlap) cannot be invalidated before commit.
//
//   - Mutable records carry a version. Saves are conditional on the
//     version that was read and fail with ErrConflict otherwise, so a
//     stale in-memory copy can never overwrite newer state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write matched no row
	// because the record changed since it was read.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate key")
)

// timeLayout is fixed-width so that lexicographic order on the stored
// text equals chronological order for UTC values. Slot overlap queries
// depend on this.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options tunes the underlying connection pool.
type Options struct {
	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
	// MaxOpenConns caps the pool size.
	MaxOpenConns int
}

// DefaultOptions is used by New.
var DefaultOptions = Options{
	BusyTimeout:  5 * time.Second,
	MaxOpenConns: 4,
}

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db    *sql.DB
	retry retryConfig
}

// New opens (or creates) the SQLite database with DefaultOptions.
func New(path string) (*Store, error) {
	return Open(path, DefaultOptions)
}

// Open opens (or creates) the SQLite database and initializes the schema.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions.BusyTimeout
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultOptions.MaxOpenConns
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, retry: defaultRetryConfig}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id              TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		max_enrolled    INTEGER NOT NULL CHECK (max_enrolled >= 1),
		enrollment_open INTEGER NOT NULL DEFAULT 1,
		version         INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_members (
		project_id TEXT NOT NULL REFERENCES projects(id),
		user_id    TEXT NOT NULL,
		position   INTEGER NOT NULL,
		PRIMARY KEY (project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS applications (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL REFERENCES projects(id),
		applicant_id TEXT NOT NULL,
		attachments  TEXT NOT NULL DEFAULT '[]',
		status       TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		UNIQUE (project_id, applicant_id)
	);
	CREATE INDEX IF NOT EXISTS idx_applications_project ON applications(project_id, created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		project_id       TEXT NOT NULL REFERENCES projects(id),
		assignee_id      TEXT NOT NULL,
		creator_id       TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		due_at           TEXT,
		status           TEXT NOT NULL,
		review_update_id TEXT,
		version          INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, created_at);

	CREATE TABLE IF NOT EXISTS task_updates (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id),
		seq        INTEGER NOT NULL,
		author_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		work_ref   TEXT NOT NULL DEFAULT '',
		comment    TEXT NOT NULL DEFAULT '',
		approval   TEXT NOT NULL DEFAULT 'unset',
		feedback   TEXT NOT NULL DEFAULT '',
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (task_id, seq)
	);

	CREATE TABLE IF NOT EXISTS resources (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		status     TEXT NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reservations (
		id                    TEXT PRIMARY KEY,
		requester_id          TEXT NOT NULL,
		purpose               TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL,
		desired_start         TEXT NOT NULL,
		desired_end           TEXT NOT NULL,
		preferred_resource_id TEXT NOT NULL DEFAULT '',
		resource_id           TEXT REFERENCES resources(id),
		slot_start            TEXT,
		slot_end              TEXT,
		decided_by            TEXT NOT NULL DEFAULT '',
		note                  TEXT NOT NULL DEFAULT '',
		decided_at            TEXT,
		created_at            TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_slots ON reservations(resource_id, status, slot_start);
	CREATE INDEX IF NOT EXISTS idx_reservations_requester ON reservations(requester_id, created_at);

	CREATE TABLE IF NOT EXISTS notifications (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT NOT NULL,
		kind         TEXT NOT NULL,
		title        TEXT NOT NULL,
		body         TEXT NOT NULL DEFAULT '',
		link         TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, seq);

	CREATE TABLE IF NOT EXISTS cursors (
		recipient_id TEXT PRIMARY KEY,
		since_seq    INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Units of work
// ---------------------------------------------------------------------------

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the handle passed to a unit of work. Inside Update it wraps an
// immediate transaction; inside View a read-only one.
type Tx struct {
	q querier
}

// Update runs fn inside one immediate transaction. If fn returns an
// error the transaction is rolled back and no row is changed. Transient
// SQLite contention (BUSY, LOCKED) restarts the whole unit of work from
// a fresh read; any other error is returned as is.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOp(ctx, s.retry, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := fn(&Tx{q: sqlTx}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// View runs fn in a read-only transaction. Under WAL it sees one
// snapshot and does not take the write lock. fn must not write.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // nothing to undo

	if err := fn(&Tx{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// expectOneRow turns a zero-row conditional write into ErrConflict.
func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}
