// Package localstore is the durable key-value mirror backing the sync
// engine. Every record the engine reads or writes lives here; the remote
// store is only ever a peer to reconcile against, never the source of
// truth for reads.
//
// Values are opaque byte slices (JSON in practice) and are transparently
// snappy-compressed on disk. The store enforces a soft capacity cap: when
// a write would exceed it, progressively older day records are evicted
// (90, then 14, then 7 day retention), then engine bookkeeping keys, and
// only if the write still does not fit does it fail with ErrCapacity.
package localstore

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned by Get for a key with no stored value.
	ErrNotFound = errors.New("localstore: key not found")

	// ErrCapacity is returned by Put when the value does not fit even
	// after every eviction tier has run.
	ErrCapacity = errors.New("localstore: capacity exceeded")
)

// Entry is one stored record as returned by List.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt int64 // wall-clock write time, unix milliseconds
}

// Stats summarizes store usage for the status command.
type Stats struct {
	Keys             int
	RawBytes         int64 // logical value bytes before compression
	StoredBytes      int64 // bytes on disk after compression
	CapacityBytes    int64
	EvictedLifetime  int64 // total entries removed by eviction since open
	CompressionRatio float64
}

// Store is the engine's view of durable local storage. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, evicting per policy if needed.
	// Returns ErrCapacity when the value cannot be made to fit.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix, in
	// unspecified order. An empty prefix returns everything.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Usage reports current store statistics.
	Usage(ctx context.Context) (Stats, error)

	// Close releases the underlying resources.
	Close() error
}
