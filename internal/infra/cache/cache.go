// Package cache memoizes idempotent external calls in the shared key-value
// store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"chainreport/internal/infra/kv"
	jsonx "chainreport/internal/shared/json"
	"chainreport/internal/shared/logging"
)

const (
	defaultTTL = time.Hour
	keyPrefix  = "cache:"
)

// Codec turns a call result into bytes and back. Call sites supply their own
// when the raw result is not directly serializable.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// JSONCodec is the default value codec.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Encode: func(v T) ([]byte, error) { return jsonx.Marshal(v) },
		Decode: func(data []byte) (T, error) {
			var v T
			err := jsonx.Unmarshal(data, &v)
			return v, err
		},
	}
}

// Observer receives hit/miss notifications.
type Observer interface {
	ObserveCache(hit bool)
}

// Cache is a response cache over a kv.Store.
type Cache struct {
	store    kv.Store
	ttl      time.Duration
	logger   logging.Logger
	observer Observer
}

type Option func(*Cache)

func WithLogger(logger logging.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrNop(logger) }
}

func WithObserver(observer Observer) Option {
	return func(c *Cache) { c.observer = observer }
}

// New returns a cache writing entries with ttl unless a call overrides it.
func New(store kv.Store, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &Cache{
		store:  store,
		ttl:    ttl,
		logger: logging.NewComponentLogger("ResponseCache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key hashes a request URL and its parameters into a cache key. Parameter
// order never affects the result.
func Key(url string, params map[string]any) string {
	sum := sha256.Sum256([]byte(url + "-" + normalizeParams(params)))
	return hex.EncodeToString(sum[:])
}

// Call returns the cached result for key or invokes fn and stores its result.
// Lookup and decode failures count as misses and store failures are logged;
// neither turns a successful fn into an error. A nil cache calls fn directly.
func Call[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, codec Codec[T], fn func(ctx context.Context) (T, error)) (T, error) {
	if c == nil || c.store == nil {
		return fn(ctx)
	}
	if codec.Encode == nil || codec.Decode == nil {
		codec = JSONCodec[T]()
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	storeKey := keyPrefix + key

	data, err := c.store.Get(ctx, storeKey)
	switch {
	case err == nil:
		value, decodeErr := codec.Decode(data)
		if decodeErr == nil {
			c.observe(true)
			return value, nil
		}
		c.logger.Warn("Discarding undecodable cache entry %s: %v", key, decodeErr)
	case !errors.Is(err, kv.ErrMiss):
		c.logger.Warn("Cache read failed for %s, calling through: %v", key, err)
	}
	c.observe(false)

	value, err := fn(ctx)
	if err != nil {
		return value, err
	}

	encoded, err := codec.Encode(value)
	if err != nil {
		c.logger.Warn("Cache encode failed for %s: %v", key, err)
		return value, nil
	}
	if err := c.store.Set(ctx, storeKey, encoded, ttl); err != nil {
		c.logger.Warn("Cache write failed for %s: %v", key, err)
	}
	return value, nil
}

func (c *Cache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCache(hit)
	}
}

// normalizeParams serialises params with keys sorted at every level.
func normalizeParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := jsonx.Marshal(sortedMap(params))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sortedMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}
