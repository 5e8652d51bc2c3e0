// Package cache provides the read-through cache used across the pipeline.
//
// Two backends implement the same interface: Redis for deployments and an
// in-process map for tests and degraded mode. Values round-trip through
// JSON in both backends so a value that caches in development also caches
// in production.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache stores JSON-serializable values under string keys with a TTL.
type Cache interface {
	// Get unmarshals the cached value into dest and reports whether the
	// key was present and unexpired.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Set stores value under key for ttl. A non-positive ttl falls back
	// to DefaultTTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases backend resources.
	Close() error
}

// DefaultTTL applies when a caller passes a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// domainOf extracts the key's domain prefix ("messages:abc:10" → "messages")
// for per-domain hit/miss metrics.
func domainOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
