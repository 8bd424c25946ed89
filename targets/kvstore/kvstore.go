// Package kvstore is a sample delegated target holding a small key/value
// table in an SQLite database owned by the child process. With the default
// in-memory database the data lives exactly as long as the child.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smnsjas/go-delegator/codec"
	"github.com/smnsjas/go-delegator/dispatch"
)

// TargetName is the constructor name used in construction descriptors.
const TargetName = "kvstore"

// Operation ids.
const (
	OpPut    = "kvstore.put"
	OpGet    = "kvstore.get"
	OpDelete = "kvstore.delete"
	OpKeys   = "kvstore.keys"
	OpCount  = "kvstore.count"
)

// EntryType is the registered codec name of Entry.
const EntryType = "kvstore.Entry"

// MemoryDSN is the default data source: a private in-memory database.
const MemoryDSN = ":memory:"

const driverName = "sqlite"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

func init() {
	codec.RegisterType(EntryType, Entry{})
}

// Entry is one stored value.
type Entry struct {
	Key     string    `json:"key"`
	Value   string    `json:"value"`
	Updated time.Time `json:"updated"`
}

// Params configures construction. An empty DSN opens MemoryDSN.
type Params struct {
	DSN string `json:"dsn,omitempty"`
}

// PutArgs are the arguments of OpPut.
type PutArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// KeyArgs are the arguments of OpGet and OpDelete.
type KeyArgs struct {
	Key string `json:"key"`
}

// KeysArgs are the arguments of OpKeys.
type KeysArgs struct {
	Prefix string `json:"prefix,omitempty"`
}

// Store is a key/value table.
type Store struct {
	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Open opens (and if needed creates) the store at dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores value under key and returns the stored entry.
func (s *Store) Put(ctx context.Context, key, value string) (Entry, error) {
	if strings.TrimSpace(key) == "" {
		return Entry{}, errors.New("empty key")
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("put %q: %w", key, err)
	}
	return Entry{Key: key, Value: value, Updated: now}, nil
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	var (
		e  = Entry{Key: key}
		ms int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, updated_at FROM kv WHERE key = ?`, key).Scan(&e.Value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %q: %w", key, err)
	}
	e.Updated = time.UnixMilli(ms).UTC()
	return e, nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys returns the sorted keys starting with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Count returns the number of stored keys.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Register adds the store constructor and operations to reg.
func Register(reg *dispatch.Registry) {
	dispatch.TargetWith(reg, TargetName, func(ctx context.Context, p Params) (*Store, error) {
		return Open(ctx, p.DSN)
	})
	dispatch.Register(reg, OpPut, func(ctx context.Context, s *Store, args PutArgs) (Entry, error) {
		return s.Put(ctx, args.Key, args.Value)
	})
	dispatch.Register(reg, OpGet, func(ctx context.Context, s *Store, args KeyArgs) (Entry, error) {
		return s.Get(ctx, args.Key)
	})
	dispatch.Register(reg, OpDelete, func(ctx context.Context, s *Store, args KeyArgs) (bool, error) {
		return s.Delete(ctx, args.Key)
	})
	dispatch.Register(reg, OpKeys, func(ctx context.Context, s *Store, args KeysArgs) ([]string, error) {
		return s.Keys(ctx, args.Prefix)
	})
	dispatch.Register(reg, OpCount, func(ctx context.Context, s *Store, _ struct{}) (int64, error) {
		return s.Count(ctx)
	})
}
