package cache

import (
	"fmt"
	"strings"
	"time"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves cache entries, whose bytes represent HTTP responses.
// It also keeps track of expiration times of cache entries.
// Operating on specific keys or origin-specific prefixes is very important
// in order for many origins to be able to be stored in the same cache.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// AllKeys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	AllKeys(prefix string, cb func(string)) error
	// All returns all cache entries that have the specific key prefix
	All(prefix string) ([]CacheEntry, error)
	// PutCE stores the entry, replacing any entry with the same key.
	PutCE(CacheEntry) error
	// Oldest returns the key and expiration time of the oldest entry in the cache.
	// The oldest entry is the one with the earliest expiration time.
	// It should not return items where the expiry is zero.
	// If there are no entries, it returns an empty key and no error.
	Oldest(prefix string) (string, time.Time, error)
	// Purge removes the cache entry for the given key.
	Purge(key string) error
	// PurgePrefix removes all cache entries with the given prefix
	// and returns the number of removed entries.
	PurgePrefix(prefix string) (int, error)
	// Has checks if the specified key exists in the cache.
	Has(key string) bool
	Close() error
}

type CacheEntry struct {
	Key         string
	Expires     time.Time
	RequestedAt time.Time
	ReceivedAt  time.Time
	Bytes       []byte
}

type StoreConfig struct {
	// Provider is one of "sqlite", "memory" or "redis".
	Provider string `yaml:"provider"`
	// Path of the SQLite database file. Empty means in-memory.
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// Open creates the configured cache provider.
func Open(config StoreConfig) (CacheProvider, error) {
	switch strings.ToLower(config.Provider) {
	case "", "sqlite":
		return NewSQLiteCache(config.Path)
	case "memory":
		return NewMemCache(), nil
	case "redis":
		return NewRedisCache(config.Redis)
	default:
		return nil, fmt.Errorf("Unsupported cache provider: %s", config.Provider)
	}
}
