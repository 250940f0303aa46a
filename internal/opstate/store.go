// Package opstate provides a namespaced key-value store for persistent
// operational state. It holds workflow state that must survive restarts
// (pending confirmations, conversation histories) but is not the system
// of record for anything: a corrupted database is reset to empty rather
// than treated as fatal.
package opstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // default cgo driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // pure-Go driver, registered as "sqlite"
)

// DefaultDriver is the database/sql driver used when none is configured.
const DefaultDriver = "sqlite3"

// Entry is one stored value with its last write time.
type Entry struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Store is a namespaced JSON key-value store backed by SQLite. All
// public methods are safe for concurrent use. Writes are serialized by
// the store itself and the pool is limited to one connection, so callers
// never need their own locks to avoid interleaved writes.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu sync.Mutex // serializes writes
}

// NewStore opens the state store at dbPath using [DefaultDriver].
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	return NewStoreWithDriver(DefaultDriver, dbPath, logger)
}

// NewStoreWithDriver opens the state store with an explicit driver
// ("sqlite3" or "sqlite"). If the existing file is not a usable SQLite
// database it is moved aside and a fresh, empty store is created.
func NewStoreWithDriver(driver, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if driver == "" {
		driver = DefaultDriver
	}

	db, err := openChecked(driver, dbPath)
	if err != nil {
		if dbPath == ":memory:" {
			return nil, fmt.Errorf("open database: %w", err)
		}
		quarantine := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
		logger.Warn("state database unreadable, starting with empty state",
			"path", dbPath,
			"moved_to", quarantine,
			"error", err,
		)
		if rerr := os.Rename(dbPath, quarantine); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, fmt.Errorf("quarantine corrupt database: %w", rerr)
		}
		db, err = openChecked(driver, dbPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}

	s := &Store{db: db, path: dbPath, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// openChecked opens the database and verifies it with a quick integrity
// check so that garbage files are detected at startup rather than on the
// first write.
func openChecked(driver, dbPath string) (*sql.DB, error) {
	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	var result string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		db.Close()
		return nil, err
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("integrity check: %s", result)
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get decodes the stored value for a namespace/key pair into dst.
// Returns false and nil error if the key does not exist. A stored value
// that is not valid JSON is logged, removed and reported as absent;
// valid JSON that does not fit dst is returned as an error and kept.
func (s *Store) Get(namespace, key string, dst any) (bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}

	if !json.Valid([]byte(value)) {
		s.logger.Warn("discarding corrupt state entry",
			"namespace", namespace,
			"key", key,
		)
		if derr := s.Delete(namespace, key); derr != nil {
			s.logger.Error("delete corrupt state entry failed",
				"namespace", namespace,
				"key", key,
				"error", derr,
			)
		}
		return false, nil
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Set JSON-encodes value and upserts it under namespace/key. Existing
// values are overwritten and the updated_at timestamp is refreshed.
func (s *Store) Set(namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error is returned if the
// key does not exist.
func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes all entries for a namespace. No error is
// returned if the namespace has no entries.
func (s *Store) DeleteNamespace(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns all entries for a namespace ordered by key. Returns an
// empty (non-nil) slice if the namespace has no entries.
func (s *Store) List(namespace string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, updated_at FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := []Entry{}
	for rows.Next() {
		var k, v, ts string
		if err := rows.Scan(&k, &v, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		if !json.Valid([]byte(v)) {
			s.logger.Warn("skipping corrupt state entry", "namespace", namespace, "key", k)
			continue
		}
		updatedAt, _ := time.Parse(time.RFC3339Nano, ts)
		result = append(result, Entry{Key: k, Value: json.RawMessage(v), UpdatedAt: updatedAt})
	}
	return result, rows.Err()
}
