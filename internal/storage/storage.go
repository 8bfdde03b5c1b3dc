package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotCached is returned when no cache entry exists for a content address.
var ErrNotCached = errors.New("attachment not cached")

// CacheRecord represents one attachment materialized on disk.
type CacheRecord struct {
	HashOrURL string
	TargetID  string
	Kind      string
	FilePath  string
	SizeBytes int64
	CachedAt  time.Time
}

// CacheReadRepository answers lookups against the cache index.
type CacheReadRepository interface {
	Lookup(ctx context.Context, hashOrURL string) (CacheRecord, error)
	List(ctx context.Context) ([]CacheRecord, error)
}

// CacheWriteRepository mutates the cache index.
type CacheWriteRepository interface {
	Record(ctx context.Context, rec CacheRecord) error
	Forget(ctx context.Context, hashOrURL string) error
}

// CacheRepository is the full cache index.
type CacheRepository interface {
	CacheReadRepository
	CacheWriteRepository
}
