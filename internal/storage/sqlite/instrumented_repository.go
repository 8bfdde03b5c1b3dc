package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/attachment_downloader/internal/storage"
	"github.com/italolelis/attachment_downloader/internal/telemetry"
)

// InstrumentedCacheRepository wraps CacheRepository with telemetry.
type InstrumentedCacheRepository struct {
	repo      *CacheRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedCacheRepository creates a new instrumented cache repository.
func NewInstrumentedCacheRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedCacheRepository {
	return &InstrumentedCacheRepository{
		repo:      NewCacheRepository(dbConn),
		telemetry: tel,
	}
}

// Lookup retrieves a cache entry with telemetry. A miss is not counted as an error.
func (r *InstrumentedCacheRepository) Lookup(ctx context.Context, hashOrURL string) (storage.CacheRecord, error) {
	var (
		result storage.CacheRecord
		miss   bool
	)

	err := r.telemetry.InstrumentCacheOperation(ctx, "lookup", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Lookup(ctx, hashOrURL)
		if errors.Is(err, storage.ErrNotCached) {
			miss = true

			return nil
		}

		return err
	})
	if err != nil {
		return storage.CacheRecord{}, err
	}

	if miss {
		return storage.CacheRecord{}, storage.ErrNotCached
	}

	return result, nil
}

// List retrieves all cache entries with telemetry.
func (r *InstrumentedCacheRepository) List(ctx context.Context) ([]storage.CacheRecord, error) {
	var result []storage.CacheRecord

	err := r.telemetry.InstrumentCacheOperation(ctx, "list", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Record stores a cache entry with telemetry.
func (r *InstrumentedCacheRepository) Record(ctx context.Context, rec storage.CacheRecord) error {
	return r.telemetry.InstrumentCacheOperation(ctx, "record", func(ctx context.Context) error {
		return r.repo.Record(ctx, rec)
	})
}

// Forget removes a cache entry with telemetry.
func (r *InstrumentedCacheRepository) Forget(ctx context.Context, hashOrURL string) error {
	return r.telemetry.InstrumentCacheOperation(ctx, "forget", func(ctx context.Context) error {
		return r.repo.Forget(ctx, hashOrURL)
	})
}
