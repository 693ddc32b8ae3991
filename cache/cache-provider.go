package cache

import (
	"context"
	"errors"
)

// ErrNoSuchCache is returned when writing to a cache that does not exist (anymore).
var ErrNoSuchCache = errors.New("no such cache")

// Provider is an interface for a cache storage provider.
// It stores and retrieves []byte values, which represent request/response pairs,
// grouped into named caches.
// Cache names are enumerated in creation order, and entries in insertion order.
//
// Implementations must be thread-safe!
type Provider interface {
	// CreateCache creates the named cache if it does not exist.
	// It returns true if the cache was created by this call.
	CreateCache(ctx context.Context, name string) (bool, error)
	// HasCache checks if the named cache exists.
	HasCache(ctx context.Context, name string) (bool, error)
	// CacheNames returns the names of all caches, oldest first.
	CacheNames(ctx context.Context) ([]string, error)
	// DeleteCache removes the named cache and all its entries.
	// It returns true if there was a cache to delete.
	DeleteCache(ctx context.Context, name string) (bool, error)
	// Entries returns all entries of the named cache that have the specific key prefix.
	// An empty prefix returns all entries.
	Entries(ctx context.Context, name, prefix string) ([]Entry, error)
	// PutEntries stores all the given entries in the named cache, or none of them.
	// An entry with a key that already exists replaces the old entry,
	// and is then enumerated as the newest entry.
	PutEntries(ctx context.Context, name string, entries []Entry) error
	// DeleteEntries removes the entries with the given keys from the named cache.
	// It returns the number of entries removed.
	DeleteEntries(ctx context.Context, name string, keys []string) (int, error)
	// Close releases the resources held by the provider.
	Close() error
}

// Entry is one stored request/response pair.
type Entry struct {
	Key   string
	Bytes []byte
}
