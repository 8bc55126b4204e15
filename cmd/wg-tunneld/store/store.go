// Package store persists interfaces and peers in SQLite.
//
// The database is opened with a single connection, so every transaction is
// serialized. Uniqueness of interface names and listen ports, and the
// allowed-IP checks run by callers through the prepare hooks, are therefore
// evaluated against a consistent view. A flock next to the database file keeps
// a second daemon from opening the same state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wg-tunneld/models"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var ErrLocked = errors.New("another instance is currently running")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db    *sql.DB
	fLock *flock.Flock
	log   *logrus.Entry
}

// New opens (and creates if needed) the database at path.
func New(path string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	fLock := flock.New(path + ".lock")
	if ok, err := fLock.TryLock(); err != nil {
		return nil, fmt.Errorf("locking database: %w", err)
	} else if !ok {
		return nil, ErrLocked
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = fLock.Unlock()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		fLock: fLock,
		log:   logger.WithField("component", "store"),
	}
	if err := s.createSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.log.WithField("path", path).Info("store opened")
	return s, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.fLock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func (s *Store) createSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS interfaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			listen_port INTEGER NOT NULL UNIQUE,
			address TEXT NOT NULL,
			dns TEXT NOT NULL DEFAULT '',
			mtu INTEGER NOT NULL DEFAULT 1420,
			endpoint TEXT NOT NULL DEFAULT '',
			private_key TEXT NOT NULL,
			public_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'stopped',
			error_message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS peers (
			id TEXT PRIMARY KEY,
			interface_id TEXT NOT NULL REFERENCES interfaces(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			public_key TEXT NOT NULL,
			private_key TEXT NOT NULL DEFAULT '',
			preshared_key TEXT NOT NULL DEFAULT '',
			allowed_ips TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			persistent_keepalive INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (interface_id, public_key)
		)`,
		`CREATE INDEX IF NOT EXISTS peers_interface_idx ON peers (interface_id, created_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func keyString(k models.Key) string {
	return k.String()
}

func parseStoredKey(s string) (models.Key, error) {
	if s == "" {
		return nil, nil
	}
	return models.ParseKey(s)
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
