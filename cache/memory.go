package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemCache keeps entries in a map. Nothing is persisted.
type MemCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]CacheEntry)}
}

func (m *MemCache) keys(prefix string) []string {
	keys := make([]string, 0)
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemCache) AllKeys(prefix string, cb func(string)) error {
	m.mu.RLock()
	keys := m.keys(prefix)
	m.mu.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m *MemCache) All(prefix string) ([]CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]CacheEntry, 0)
	for _, key := range m.keys(prefix) {
		entries = append(entries, m.entries[key])
	}
	return entries, nil
}

func (m *MemCache) PutCE(ce CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ce.Key] = ce
	return nil
}

func (m *MemCache) Oldest(prefix string) (string, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		oldest  string
		expires time.Time
	)
	for key, ce := range m.entries {
		if !strings.HasPrefix(key, prefix) || ce.Expires.Unix() <= 0 {
			continue
		}
		if oldest == "" || ce.Expires.Before(expires) {
			oldest, expires = key, ce.Expires
		}
	}
	return oldest, expires, nil
}

func (m *MemCache) Purge(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemCache) PurgePrefix(prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.keys(prefix)
	for _, key := range keys {
		delete(m.entries, key)
	}
	return len(keys), nil
}

func (m *MemCache) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok
}

func (m *MemCache) Close() error {
	return nil
}
