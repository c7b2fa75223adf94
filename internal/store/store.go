// Package store persists characters and their chat logs in SQLite.
//
// Every mutation commits before subscribers are notified, and the pool holds a
// single connection so read-modify-write transactions never interleave.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/youruser/hogsim/internal/logging"
	"github.com/youruser/hogsim/internal/store/migrations"
	_ "modernc.org/sqlite"
)

var log = logging.Get()

var (
	ErrCharacterNotFound = errors.New("character not found")
	ErrLogNotFound       = errors.New("log entry not found")
	ErrInvalidRole       = errors.New("invalid log role")
	ErrEmptyName         = errors.New("character name is required")
)

// Store provides SQLite-backed persistence for game state.
type Store struct {
	sqlDB    *sql.DB
	hub      *hub
	now      func() time.Time
	lockPath string // database path guarded by a PID lock file, empty in memory
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens the store at path, creating the file and schema as needed.
// The special path ":memory:" opens a private in-memory database. A file
// database is locked to this process until Close; ErrStoreLocked is returned
// while another live process holds it.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	lockPath := ""
	if path != ":memory:" {
		cleanPath := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		if err := acquireLock(cleanPath); err != nil {
			return nil, err
		}
		dsn = cleanPath
		lockPath = cleanPath
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	fail := func(err error) (*Store, error) {
		if lockPath != "" {
			_ = releaseLock(lockPath)
		}
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fail(fmt.Errorf("open sqlite db: %w", err))
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return fail(fmt.Errorf("ping sqlite db: %w", err))
	}

	s := &Store{sqlDB: sqlDB, hub: newHub(), now: time.Now, lockPath: lockPath}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return fail(fmt.Errorf("run migrations: %w", err))
	}
	log.Debug("Opened store at %s", path)
	return s, nil
}

// Close closes every subscription and the underlying database, then
// releases the process lock.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.hub.closeAll()
	err := s.sqlDB.Close()
	if s.lockPath != "" {
		if lockErr := releaseLock(s.lockPath); lockErr != nil && err == nil {
			err = lockErr
		}
	}
	return err
}

// inTx runs fn inside a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w: rollback: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func encodeJSON(field string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", field, err)
	}
	return string(data), nil
}

func decodeJSON(field, raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	return nil
}
