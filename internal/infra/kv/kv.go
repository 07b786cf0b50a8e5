// Package kv provides the shared low-latency key-value store used by the
// response cache and the pipeline timer.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("kv: key not found")

// Store is a byte-oriented key-value store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// GetDel returns the value and removes the key in one step.
	GetDel(ctx context.Context, key string) ([]byte, error)
}
