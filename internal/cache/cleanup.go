package cache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/metrics"
	"github.com/tomtom215/reiharvest/internal/models"
)

// DefaultMaxFileAge mirrors CLEANUP_AGE_DAYS in
// original_source/app/scrapers/cache_manager.py: bodies untouched for this
// long are invalidated and removed regardless of TTL, as a backstop
// against entries whose expiresAt was pushed out by a later re-store of
// the same content hash. Cache.MaxFileAge defaults to this and can be
// overridden from configuration (specification §3's "configured
// cleanupAgeDays").
const DefaultMaxFileAge = 30 * 24 * time.Hour

// Cleanup runs the full multi-phase reconciliation described in
// specification §4.3:
//
//  1. expire entries whose TTL has passed
//  2. snapshot the set of file UUIDs still reachable from valid entries
//  3. sweep the filesystem for orphan files not in that set and delete them
//  4. sweep the filesystem for files older than MaxFileAge, invalidating
//     and deleting them even if their entry is still marked valid
//  5. if over the size bound, evict least-recently-accessed valid entries
//     until total content bytes are at or below 80% of it
//  6. compact the relational tables: delete dangling entry rows and
//     orphaned content records
//
// Phases 3 to 6 are independently best-effort: a failure in one of them is
// logged and does not prevent later phases from running, since they
// target different sources of drift. A database error in phase 1 or 2
// ends the pass and is returned to the caller.
func (c *Cache) Cleanup(ctx context.Context) (models.CleanupResult, error) {
	start := c.clock.Now()
	var result models.CleanupResult

	expired, err := c.store.ExpireEntries(ctx)
	if err != nil {
		metrics.CleanupRunsTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("expire entries: %w", err)
	}
	result.EntriesInvalidated += expired
	if err := c.store.IncrementDailyExpired(ctx, expired); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to record daily expired count")
	}

	valid, err := c.store.ValidFileUUIDs(ctx)
	if err != nil {
		metrics.CleanupRunsTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("snapshot valid file uuids: %w", err)
	}

	orphanFiles, orphanBytes := c.sweepOrphans(ctx, valid)
	result.FilesDeleted += orphanFiles
	result.BytesFreed += orphanBytes

	agedEntries, agedFiles, agedBytes := c.sweepAged(ctx, valid)
	result.EntriesInvalidated += agedEntries
	result.FilesDeleted += agedFiles
	result.BytesFreed += agedBytes

	if c.MaxBytes > 0 {
		evictedEntries, evictedFiles, evictedBytes := c.evictLRU(ctx)
		result.EntriesInvalidated += evictedEntries
		result.FilesDeleted += evictedFiles
		result.BytesFreed += evictedBytes
	}

	danglingEntries, err := c.store.DeleteDanglingEntries(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to delete dangling entries")
	}
	orphanRecords, err := c.store.DeleteOrphanContentRecords(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to delete orphan content records")
	}

	if err := c.store.IncrementDailyInvalidated(ctx, result.EntriesInvalidated-expired); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to record daily invalidated count")
	}
	if err := c.store.IncrementDailyCleanup(ctx, danglingEntries+orphanRecords, result.FilesDeleted); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to record daily cleanup yield")
	}

	metrics.CleanupRunsTotal.WithLabelValues("ok").Inc()
	metrics.CleanupEntriesInvalidated.Add(float64(result.EntriesInvalidated))
	metrics.CleanupFilesDeleted.Add(float64(result.FilesDeleted))
	metrics.CleanupBytesFreed.Add(float64(result.BytesFreed))
	metrics.CleanupDuration.Observe(c.clock.Now().Sub(start).Seconds())

	logging.Ctx(ctx).Info().
		Int64("entries_invalidated", result.EntriesInvalidated).
		Int64("files_deleted", result.FilesDeleted).
		Int64("bytes_freed", result.BytesFreed).
		Msg("cache cleanup complete")

	return result, nil
}

// sweepOrphans deletes on-disk bodies that no valid entry references any
// longer (phase 3).
func (c *Cache) sweepOrphans(ctx context.Context, valid map[string]struct{}) (filesDeleted, bytesFreed int64) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to list cache directory during orphan sweep")
		return 0, 0
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		uuid := strings.TrimSuffix(entry.Name(), ".html")
		if uuid == entry.Name() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		if _, ok := valid[uuid]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(c.bodyPath(uuid)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("file_uuid", uuid).Msg("failed to remove orphan cache file")
			continue
		}
		filesDeleted++
		bytesFreed += info.Size()
	}
	return filesDeleted, bytesFreed
}

// sweepAged invalidates and deletes bodies older than c.MaxFileAge even
// when their entry is still marked valid (phase 4) — the backstop
// described in cache_manager.py's CLEANUP_AGE_DAYS.
func (c *Cache) sweepAged(ctx context.Context, valid map[string]struct{}) (entriesInvalidated, filesDeleted, bytesFreed int64) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to list cache directory during age sweep")
		return 0, 0, 0
	}

	cutoff := c.clock.Now().Add(-c.MaxFileAge)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		uuid := strings.TrimSuffix(entry.Name(), ".html")
		if _, ok := valid[uuid]; !ok {
			continue // already handled (or will be) by the orphan sweep
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := c.store.InvalidateByFileUUID(ctx, uuid); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("file_uuid", uuid).Msg("failed to invalidate aged entry")
			continue
		}
		if err := os.Remove(c.bodyPath(uuid)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("file_uuid", uuid).Msg("failed to remove aged cache file")
			continue
		}
		entriesInvalidated++
		filesDeleted++
		bytesFreed += info.Size()
	}
	return entriesInvalidated, filesDeleted, bytesFreed
}

// evictLRU invalidates and deletes least-recently-accessed valid entries
// until total content bytes on disk falls to 80% of c.MaxBytes (phase 5).
func (c *Cache) evictLRU(ctx context.Context) (entriesInvalidated, filesDeleted, bytesFreed int64) {
	total, err := c.store.TotalContentBytes(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to read total content bytes during lru eviction")
		return 0, 0, 0
	}
	if total <= c.MaxBytes {
		return 0, 0, 0
	}

	candidates, err := c.store.LRUCandidates(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to list lru candidates")
		return 0, 0, 0
	}

	// Evict down to 80% of the bound, not just back under it, so a store
	// that repeatedly brushes the ceiling doesn't trigger eviction on
	// almost every write (specification §4.3 phase 5).
	threshold := c.MaxBytes * 8 / 10
	for _, cand := range candidates {
		if total <= threshold {
			break
		}
		if err := c.store.InvalidateByFileUUID(ctx, cand.FileUUID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("file_uuid", cand.FileUUID).Msg("failed to invalidate lru entry")
			continue
		}
		if err := os.Remove(c.bodyPath(cand.FileUUID)); err != nil && !os.IsNotExist(err) {
			logging.Ctx(ctx).Warn().Err(err).Str("file_uuid", cand.FileUUID).Msg("failed to remove lru-evicted cache file")
			continue
		}
		entriesInvalidated++
		filesDeleted++
		bytesFreed += cand.SizeBytes
		total -= cand.SizeBytes
	}
	return entriesInvalidated, filesDeleted, bytesFreed
}
