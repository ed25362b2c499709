// Package region defines the physical cache store that loadguard guards.
//
// A Region is a byte store: Get must return exactly the []byte previously
// passed to Put for a key (no prepended/appended metadata, no re-encoding).
// Each Region instance holds one namespace; Clear drops everything in it and
// nothing else.
//
// Regions provide no ordering between keys and no transactions. A single
// Put, Remove or Get must be atomic per key, and once Put or Remove returns
// the effect must be visible to every later Get. Stores that buffer writes
// must flush before returning.
package region

import (
	"context"
	"time"
)

type Region interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value. ttl <= 0 means the store's default (or no expiry).
	// Returns ok=false when the store rejected the write under pressure.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every entry of this region.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}
