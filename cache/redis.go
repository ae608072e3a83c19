package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Namespace is prepended to every Redis key. Defaults to "rsc-edge:".
	Namespace string `yaml:"namespace"`
	// Timeout for a single cache operation. Defaults to 2s.
	Timeout time.Duration `yaml:"timeout"`
}

// RedisCache stores each entry as a hash and indexes expiry times in a sorted set,
// so several edge instances can share one cache.
type RedisCache struct {
	conn       *redis.Client
	namespace  string
	expiresKey string
	timeout    time.Duration
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "rsc-edge:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	conn := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := &RedisCache{
		conn:       conn,
		namespace:  cfg.Namespace,
		expiresKey: cfg.Namespace + "expires",
		timeout:    cfg.Timeout,
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := conn.Ping(ctx).Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return r, nil
}

func (r *RedisCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RedisCache) entryKey(key string) string {
	return r.namespace + "entry:" + key
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (r *RedisCache) scan(ctx context.Context, prefix string, cb func(string)) error {
	match := r.entryKey(globEscaper.Replace(prefix)) + "*"
	iter := r.conn.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		cb(strings.TrimPrefix(iter.Val(), r.entryKey("")))
	}
	return iter.Err()
}

func (r *RedisCache) AllKeys(prefix string, cb func(string)) error {
	ctx, cancel := r.ctx()
	defer cancel()
	var keys []string
	if err := r.scan(ctx, prefix, func(key string) { keys = append(keys, key) }); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (r *RedisCache) All(prefix string) ([]CacheEntry, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	entries := make([]CacheEntry, 0)
	var keys []string
	if err := r.scan(ctx, prefix, func(key string) { keys = append(keys, key) }); err != nil {
		return entries, err
	}
	for _, key := range keys {
		fields, err := r.conn.HGetAll(ctx, r.entryKey(key)).Result()
		if err != nil {
			return entries, err
		}
		// purged between scan and read
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, CacheEntry{
			Key:         key,
			Expires:     unixField(fields["expires"]),
			RequestedAt: unixField(fields["requested_at"]),
			ReceivedAt:  unixField(fields["received_at"]),
			Bytes:       []byte(fields["bytes"]),
		})
	}
	return entries, nil
}

func unixField(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.Unix(n, 0)
}

func (r *RedisCache) PutCE(ce CacheEntry) error {
	ctx, cancel := r.ctx()
	defer cancel()
	_, err := r.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.entryKey(ce.Key),
			"expires", ce.Expires.Unix(),
			"requested_at", ce.RequestedAt.Unix(),
			"received_at", ce.ReceivedAt.Unix(),
			"bytes", ce.Bytes,
		)
		pipe.ZAdd(ctx, r.expiresKey, redis.Z{Score: float64(ce.Expires.Unix()), Member: ce.Key})
		return nil
	})
	return err
}

func (r *RedisCache) Oldest(prefix string) (string, time.Time, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	const page = 100
	for offset := int64(0); ; offset += page {
		zs, err := r.conn.ZRangeByScoreWithScores(ctx, r.expiresKey, &redis.ZRangeBy{
			Min:    "(0",
			Max:    "+inf",
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return "", time.Time{}, err
		}
		for _, z := range zs {
			if key, ok := z.Member.(string); ok && strings.HasPrefix(key, prefix) {
				return key, time.Unix(int64(z.Score), 0), nil
			}
		}
		if len(zs) < page {
			return "", time.Time{}, nil
		}
	}
}

func (r *RedisCache) Purge(key string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	_, err := r.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(key))
		pipe.ZRem(ctx, r.expiresKey, key)
		return nil
	})
	return err
}

func (r *RedisCache) PurgePrefix(prefix string) (int, error) {
	var keys []string
	if err := r.AllKeys(prefix, func(key string) { keys = append(keys, key) }); err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := r.Purge(key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func (r *RedisCache) Has(key string) bool {
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := r.conn.Exists(ctx, r.entryKey(key)).Result()
	return err == nil && n > 0
}

func (r *RedisCache) Close() error {
	return r.conn.Close()
}
