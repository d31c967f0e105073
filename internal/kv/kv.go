// Package kv abstracts the shared low-latency key-value cache that mediates
// all cross-process coordination (locks, heartbeats, cancellation flags).
// The lock manager only depends on this interface, so it can run against an
// in-memory store in tests and a Redis cluster in production.
package kv

import (
	"context"
	"time"
)

// NoTTL can be passed as the ttl argument when an entry should not expire.
const NoTTL time.Duration = 0

// Store is a minimal get/set-with-ttl/delete/check-and-set contract.
type Store interface {
	// Get returns the value for key and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes key unconditionally. A ttl of NoTTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX atomically writes key only if it does not already exist and
	// reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
