package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/attachment_downloader/internal/attachment"
	"github.com/italolelis/attachment_downloader/internal/logctx"
)

// DiskCache answers whether an attachment is already materialized under dir.
// An index entry only counts when its file is still on disk; entries whose
// file has disappeared are forgotten on lookup.
type DiskCache struct {
	repo CacheRepository
	dir  string
}

func NewDiskCache(repo CacheRepository, dir string) *DiskCache {
	return &DiskCache{repo: repo, dir: dir}
}

func (c *DiskCache) Exists(ctx context.Context, target attachment.Target) (bool, error) {
	_, err := c.ResolvePath(ctx, target)
	if errors.Is(err, ErrNotCached) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

func (c *DiskCache) ResolvePath(ctx context.Context, target attachment.Target) (string, error) {
	rec, err := c.repo.Lookup(ctx, target.HashOrURL)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(rec.FilePath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat cached file: %w", err)
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "cached file vanished, forgetting entry",
			"target_id", target.ID, "path", rec.FilePath)

		if err := c.Forget(ctx, target); err != nil {
			return "", fmt.Errorf("failed to forget stale cache entry: %w", err)
		}

		return "", ErrNotCached
	}

	return rec.FilePath, nil
}

// Record indexes a completed file for target.
func (c *DiskCache) Record(ctx context.Context, target attachment.Target, path string, size int64) error {
	return c.repo.Record(ctx, CacheRecord{
		HashOrURL: target.HashOrURL,
		TargetID:  target.ID,
		Kind:      target.Kind.String(),
		FilePath:  path,
		SizeBytes: size,
	})
}

// Forget drops the index entry for target.
func (c *DiskCache) Forget(ctx context.Context, target attachment.Target) error {
	return c.repo.Forget(ctx, target.HashOrURL)
}

// PathFor returns the file name target is materialized at inside the cache directory.
func (c *DiskCache) PathFor(target attachment.Target) string {
	return filepath.Join(c.dir, FileName(target))
}

// FileName derives a filesystem-safe name from the target's id and content address.
func FileName(target attachment.Target) string {
	name := target.HashOrURL
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}

	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	name = sanitize(name)
	if name == "" || strings.Trim(name, ".") == "" {
		name = "attachment"
	}

	return sanitize(target.ID) + "_" + name
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
