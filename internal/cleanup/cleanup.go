package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/dustin/go-humanize"
)

// Records lists the downloads that may still own staged data.
type Records interface {
	List() []download.Record
}

// DeleteOrphanedStaging removes .part entries that no record owns and that were last modified more
// than olderThan ago. It scans dir and every directory a record saves into. It returns how many
// entries were removed.
func DeleteOrphanedStaging(ctx context.Context, records Records, dir string, olderThan time.Duration) (int, error) {
	owned := make(map[string]struct{})
	dirs := []string{filepath.Clean(dir)}
	seen := map[string]struct{}{dirs[0]: {}}

	for _, rec := range records.List() {
		if rec.TempPath != "" {
			owned[filepath.Clean(rec.TempPath)] = struct{}{}
		}

		if rec.SavePath == "" {
			continue
		}

		d := filepath.Dir(filepath.Clean(rec.SavePath))
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			dirs = append(dirs, d)
		}
	}

	removed := 0

	for _, d := range dirs {
		n, err := deleteOrphansIn(ctx, d, owned, olderThan)
		removed += n

		if err != nil {
			return removed, err
		}
	}

	return removed, nil
}

func deleteOrphansIn(ctx context.Context, dir string, owned map[string]struct{}, olderThan time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, &download.StorageError{Op: "read_dir", Path: dir, Err: err}
	}

	now := time.Now()
	removed := 0

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		path := filepath.Join(dir, entry.Name())
		if !download.IsStagingPath(path) {
			continue
		}

		if _, ok := owned[filepath.Clean(path)]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			logger.Error("Failed to stat staging entry", "path", path, "err", err)

			return removed, &download.StorageError{Op: "stat", Path: path, Err: err}
		}

		age := now.Sub(info.ModTime())
		if age <= olderThan {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Error("Failed to delete orphaned staging entry", "path", path, "err", err)

			return removed, &download.StorageError{Op: "remove", Path: path, Err: err}
		}

		removed++

		logger.Info("Deleted orphaned staging entry",
			"path", path,
			"size", humanize.IBytes(uint64(max(info.Size(), 0))),
			"modified", humanize.Time(info.ModTime()),
		)
	}

	return removed, nil
}
