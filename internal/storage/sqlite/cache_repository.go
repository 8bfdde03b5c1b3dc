package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/attachment_downloader/internal/storage"
)

type CacheRepository struct {
	db *sql.DB
}

func NewCacheRepository(dbConn *sql.DB) *CacheRepository {
	return &CacheRepository{db: dbConn}
}

func (r *CacheRepository) Lookup(ctx context.Context, hashOrURL string) (storage.CacheRecord, error) {
	var (
		rec      storage.CacheRecord
		targetID sql.NullString
		kind     sql.NullString
		cachedAt sql.NullString
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT hash_or_url, target_id, kind, file_path, size_bytes, cached_at
		FROM cached_attachments WHERE hash_or_url = ?`, hashOrURL,
	).Scan(&rec.HashOrURL, &targetID, &kind, &rec.FilePath, &rec.SizeBytes, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CacheRecord{}, storage.ErrNotCached
	}

	if err != nil {
		return storage.CacheRecord{}, err
	}

	rec.TargetID = targetID.String
	rec.Kind = kind.String
	rec.CachedAt = parseTime(cachedAt)

	return rec, nil
}

func (r *CacheRepository) List(ctx context.Context) ([]storage.CacheRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT hash_or_url, target_id, kind, file_path, size_bytes, cached_at
		FROM cached_attachments ORDER BY cached_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.CacheRecord

	for rows.Next() {
		var (
			rec      storage.CacheRecord
			targetID sql.NullString
			kind     sql.NullString
			cachedAt sql.NullString
		)

		if err := rows.Scan(&rec.HashOrURL, &targetID, &kind, &rec.FilePath, &rec.SizeBytes, &cachedAt); err != nil {
			return nil, err
		}

		rec.TargetID = targetID.String
		rec.Kind = kind.String
		rec.CachedAt = parseTime(cachedAt)

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Record upserts the entry for rec.HashOrURL; a redownload replaces the previous path.
func (r *CacheRepository) Record(ctx context.Context, rec storage.CacheRecord) error {
	cachedAt := rec.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cached_attachments (hash_or_url, target_id, kind, file_path, size_bytes, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash_or_url) DO UPDATE SET
			target_id = excluded.target_id,
			kind = excluded.kind,
			file_path = excluded.file_path,
			size_bytes = excluded.size_bytes,
			cached_at = excluded.cached_at
	`, rec.HashOrURL, rec.TargetID, rec.Kind, rec.FilePath, rec.SizeBytes, cachedAt.UTC().Format(time.RFC3339))

	return err
}

func (r *CacheRepository) Forget(ctx context.Context, hashOrURL string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cached_attachments WHERE hash_or_url = ?`, hashOrURL)

	return err
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}
	}

	return t
}
