// Package execstore persists ExecuteJob runs (the PersistedExecution data
// model) to SQLite: one executable row per submitted code body, many
// output_code rows per executable, so /get_outputs can page through a
// user's recent runs.
package execstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Executable is one submitted /execute code body.
type Executable struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Output is one captured run of an Executable.
type Output struct {
	ID           int64     `json:"id"`
	ExecutableID int64     `json:"executable_id"`
	Output       string    `json:"output"`
	Timestamp    time.Time `json:"timestamp"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS executable (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	code       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executable_user_id ON executable(user_id);

CREATE TABLE IF NOT EXISTS output_code (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	executable_id INTEGER NOT NULL REFERENCES executable(id),
	output        TEXT NOT NULL,
	timestamp     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_output_code_executable_id ON output_code(executable_id);
CREATE INDEX IF NOT EXISTS idx_output_code_timestamp ON output_code(timestamp);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection (applied per-connection by the driver).
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateExecutable records a submitted code body and returns its id.
func (s *Store) CreateExecutable(userID, code string) (int64, error) {
	var id int64
	err := retryOnBusy(func() error {
		res, e := s.db.Exec(
			`INSERT INTO executable (user_id, code, created_at) VALUES (?, ?, ?)`,
			userID, code, time.Now().UTC(),
		)
		if e != nil {
			return e
		}
		id, e = res.LastInsertId()
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("inserting executable: %w", err)
	}
	return id, nil
}

// RecordOutput stores one execution's captured output.
func (s *Store) RecordOutput(executableID int64, output string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO output_code (executable_id, output, timestamp) VALUES (?, ?, ?)`,
			executableID, output, time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting output: %w", err)
	}
	return nil
}

// RecentOutputs returns a user's most recent outputs, most recent first,
// joining executable -> output_code as /get_outputs requires.
func (s *Store) RecentOutputs(userID string, quantity int) ([]Output, error) {
	if quantity <= 0 {
		quantity = 10
	}
	rows, err := s.db.Query(
		`SELECT oc.id, oc.executable_id, oc.output, oc.timestamp
		 FROM executable e
		 INNER JOIN output_code oc ON e.id = oc.executable_id
		 WHERE e.user_id = ?
		 ORDER BY oc.timestamp DESC
		 LIMIT ?`,
		userID, quantity,
	)
	if err != nil {
		return nil, fmt.Errorf("querying outputs: %w", err)
	}
	defer rows.Close()

	var outputs []Output
	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.ID, &o.ExecutableID, &o.Output, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning output: %w", err)
		}
		outputs = append(outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outputs: %w", err)
	}
	return outputs, nil
}
