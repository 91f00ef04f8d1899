// Package sqlitekv implements kvstore.Store on a local SQLite database.
//
// A single kv table holds every key. WAL mode and a busy timeout keep the
// store usable from a CLI process and a server polling the same file.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/skyforge/provisd/pkg/kvstore"
)

// Store is a SQLite-backed key-value store.
type Store struct {
	db *sql.DB
}

var _ kvstore.Store = (*Store)(nil)

// Open opens (and initializes) the database at path. ":memory:" is
// accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// Local file database: a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize kv schema: %w", err)
		}
	}
	return nil
}

func validate(key string) error {
	for _, seg := range strings.Split(key, "/") {
		if err := kvstore.ValidateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validate(key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &kvstore.StoreError{Op: "Get", Backend: kvstore.BackendSQLite, Key: key, Err: kvstore.ErrNotFound}
	}
	if err != nil {
		return nil, &kvstore.StoreError{Op: "Get", Backend: kvstore.BackendSQLite, Key: key, Err: err}
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := validate(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &kvstore.StoreError{Op: "Set", Backend: kvstore.BackendSQLite, Key: key, Err: err}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validate(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? OR key LIKE ? ESCAPE '\'`, key, likePrefix(key))
	if err != nil {
		return &kvstore.StoreError{Op: "Delete", Backend: kvstore.BackendSQLite, Key: key, Err: err}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := validate(key); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &kvstore.StoreError{Op: "Exists", Backend: kvstore.BackendSQLite, Key: key, Err: err}
	}
	return true, nil
}

func (s *Store) Enumerate(ctx context.Context, prefix string) ([]string, error) {
	if err := validate(prefix); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return nil, &kvstore.StoreError{Op: "Enumerate", Backend: kvstore.BackendSQLite, Key: prefix, Err: err}
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]struct{})
	var ids []string
	depth := len(strings.Split(prefix, "/"))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &kvstore.StoreError{Op: "Enumerate", Backend: kvstore.BackendSQLite, Key: prefix, Err: err}
		}
		segs := strings.Split(key, "/")
		if len(segs) <= depth {
			continue
		}
		id := segs[depth]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &kvstore.StoreError{Op: "Enumerate", Backend: kvstore.BackendSQLite, Key: prefix, Err: err}
	}
	return ids, nil
}

func (s *Store) NewCollection(ctx context.Context, prefix string) (string, error) {
	if err := validate(prefix); err != nil {
		return "", err
	}
	// The marker row reserves the id; the primary key makes concurrent
	// allocation of the same id impossible.
	for i := 0; i < 3; i++ {
		id := uuid.New().String()
		marker := prefix + "/" + id + "/.collection"
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv (key, value) VALUES (?, x'')`, marker)
		if err != nil {
			return "", &kvstore.StoreError{Op: "NewCollection", Backend: kvstore.BackendSQLite, Key: prefix, Err: err}
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return id, nil
		}
	}
	return "", &kvstore.StoreError{Op: "NewCollection", Backend: kvstore.BackendSQLite, Key: prefix, Err: kvstore.ErrStoreUnavailable}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// likePrefix escapes LIKE wildcards in key and appends the child matcher.
func likePrefix(key string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(key)
	return escaped + "/%"
}
