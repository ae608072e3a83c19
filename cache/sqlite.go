package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteCache(filename string) (*SQLiteCache, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// a single connection keeps an in-memory db alive and serializes writers
	db.SetMaxOpenConns(1)
	s := newSQLiteCache(db)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLiteCache) migrate() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			expires INTEGER,
			requested_at INTEGER,
			received_at INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating sqlite cache: %w", err)
		}
	}
	return nil
}

// prefixMatch selects keys starting with the prefix given twice as arguments.
// LIKE is not used: it is case-insensitive and `_` (as in `_rsc`) is a wildcard.
const prefixMatch = "substr(key, 1, length(?)) = ?"

func (s *SQLiteCache) All(prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	rows, err := s.db.Query(`SELECT
		key, expires, requested_at, received_at, bytes
		FROM cache WHERE `+prefixMatch, prefix, prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var exp, req, rec int64
		if err := rows.Scan(&entry.Key, &exp, &req, &rec, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.Expires = time.Unix(exp, 0)
		entry.RequestedAt = time.Unix(req, 0)
		entry.ReceivedAt = time.Unix(rec, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteCache) PutCE(ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache
		(key, expires, requested_at, received_at, bytes) VALUES (?, ?, ?, ?, ?)`,
		ce.Key, ce.Expires.Unix(), ce.RequestedAt.Unix(), ce.ReceivedAt.Unix(), ce.Bytes)
	return err
}

func (s *SQLiteCache) Oldest(prefix string) (string, time.Time, error) {
	var key string
	var expires int64
	err := s.db.QueryRow(
		"SELECT key, expires FROM cache WHERE "+prefixMatch+" AND expires > 0 ORDER BY expires ASC LIMIT 1",
		prefix, prefix,
	).Scan(&key, &expires)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return key, time.Unix(expires, 0), nil
}

func (s *SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s *SQLiteCache) PurgePrefix(prefix string) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.Exec(`DELETE FROM cache WHERE `+prefixMatch, prefix, prefix)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteCache) Has(key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE key = ?", key).Scan(&one)
	return err == nil
}

func (s *SQLiteCache) AllKeys(prefix string, cb func(string)) error {
	rows, err := s.db.Query(`SELECT key FROM cache WHERE `+prefixMatch, prefix, prefix)
	if err != nil {
		return err
	}
	// collect first, the callback may write to the cache
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	for _, key := range keys {
		cb(key)
	}
	return rows.Err()
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
