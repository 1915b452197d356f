// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package cache implements the split-store multi-layer cache described in
// the specification's §4.3: DuckDB holds metadata (by way of
// internal/database), the filesystem holds content-addressed bodies named
// by UUID. Grounded on original_source/app/scrapers/cache_manager.py's
// write-then-commit ordering (file first, then the content record, then
// the entry upsert) and on cartographus/internal/database for the
// constructor-injected Clock pattern.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/reiharvest/internal/canonical"
	"github.com/tomtom215/reiharvest/internal/clock"
	"github.com/tomtom215/reiharvest/internal/database"
	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/metrics"
	"github.com/tomtom215/reiharvest/internal/models"
)

// ErrMiss is returned by Lookup when no valid, unexpired entry exists.
var ErrMiss = errors.New("cache: miss")

// TTLs configures time-to-live per page type (specification §3: "TTL
// depends only on pageType").
type TTLs struct {
	List   time.Duration
	Detail time.Duration
	Image  time.Duration
}

// DefaultTTLs mirrors the TTL constants in
// original_source/app/scrapers/cache_manager.py (6h / 7d / 30d).
func DefaultTTLs() TTLs {
	return TTLs{
		List:   6 * time.Hour,
		Detail: 7 * 24 * time.Hour,
		Image:  30 * 24 * time.Hour,
	}
}

func (t TTLs) forPageType(p models.PageType) time.Duration {
	switch p {
	case models.PageTypeList:
		return t.List
	case models.PageTypeImage:
		return t.Image
	default:
		return t.Detail
	}
}

// Store is the subset of *database.DB the cache depends on.
type Store interface {
	Lookup(ctx context.Context, urlHash string) (*database.CacheRow, error)
	TouchHit(ctx context.Context, urlHash string) error
	InvalidateByURLHash(ctx context.Context, urlHash string) error
	InvalidateByFileUUID(ctx context.Context, fileUUID string) error
	FindContentByHash(ctx context.Context, contentHash string) (*models.ContentRecord, error)
	InsertContentRecord(ctx context.Context, rec models.ContentRecord) (int64, error)
	UpsertCacheEntry(ctx context.Context, c models.CanonicalURL, siteName string, pageType models.PageType, contentRef int64, expiresAt time.Time) error
	CountValidEntries(ctx context.Context) (int64, error)
	TotalContentBytes(ctx context.Context) (int64, error)
	IncrementDailyRequest(ctx context.Context, hit bool) error
	GetDailyStats(ctx context.Context, t time.Time) (models.DailyCacheStats, error)
	ExpireEntries(ctx context.Context) (int64, error)
	ValidFileUUIDs(ctx context.Context) (map[string]struct{}, error)
	LRUCandidates(ctx context.Context) ([]database.LRUCandidate, error)
	DeleteDanglingEntries(ctx context.Context) (int64, error)
	DeleteOrphanContentRecords(ctx context.Context) (int64, error)
	IncrementDailyExpired(ctx context.Context, n int64) error
	IncrementDailyInvalidated(ctx context.Context, n int64) error
	IncrementDailyCleanup(ctx context.Context, entries, files int64) error
}

// Cache is the split-store: Store for metadata, Root for bodies.
type Cache struct {
	store Store
	canon *canonical.Canonicalizer
	root  string
	ttls  TTLs
	clock clock.Clock

	// MaxBytes bounds the on-disk size before cleanup starts evicting by
	// LRU (specification §4.3 cleanup phase 5). Zero disables size-bound
	// eviction, keeping only TTL and drift-repair cleanup.
	MaxBytes int64

	// MaxFileAge is the age backstop applied regardless of TTL
	// (specification §4.3 cleanup phase 4, "configured cleanupAgeDays").
	// Defaults to DefaultMaxFileAge; configurable via CacheConfig.
	MaxFileAge time.Duration
}

// New constructs a Cache rooted at dir, creating it if necessary.
func New(store Store, canon *canonical.Canonicalizer, dir string, ttls TTLs, clk clock.Clock) (*Cache, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", dir, err)
	}
	return &Cache{store: store, canon: canon, root: dir, ttls: ttls, clock: clk, MaxFileAge: DefaultMaxFileAge}, nil
}

func (c *Cache) bodyPath(fileUUID string) string {
	return filepath.Join(c.root, fileUUID+".html")
}

// Lookup implements specification §4.3's "Lookup" operation. A hit
// increments cacheHits and refreshes lastAccessedAt; a missing body file
// behind an otherwise-valid row is treated as drift and the row is
// invalidated in place, then reported as a miss (never an error) per §7.
func (c *Cache) Lookup(ctx context.Context, rawURL, siteName string) (*models.LookupResult, error) {
	canonURL := c.canon.Canonicalize(rawURL, siteName)

	row, err := c.store.Lookup(ctx, canonURL.URLHash)
	if err != nil {
		if err == database.ErrNotFound {
			c.recordDaily(ctx, false)
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("lookup: %w", err)
	}

	body, readErr := os.ReadFile(c.bodyPath(row.FileUUID))
	if readErr != nil {
		if os.IsNotExist(readErr) {
			logging.Ctx(ctx).Warn().Str("file_uuid", row.FileUUID).Str("url_hash", row.URLHash).
				Msg("cache drift: entry valid but body file missing, invalidating")
			if invErr := c.store.InvalidateByURLHash(ctx, row.URLHash); invErr != nil {
				logging.Ctx(ctx).Error().Err(invErr).Msg("failed to invalidate drifted entry")
			}
			c.recordDaily(ctx, false)
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read cached body: %w", readErr)
	}

	if err := c.store.TouchHit(ctx, row.URLHash); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to record cache hit")
	}
	c.recordDaily(ctx, true)
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()

	return &models.LookupResult{Body: body, ParsedData: row.ParsedData, FromCache: true}, nil
}

func (c *Cache) recordDaily(ctx context.Context, hit bool) {
	if err := c.store.IncrementDailyRequest(ctx, hit); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to increment daily cache stats")
	}
}

// StoreInput bundles the fetched result handed to Store.
type StoreInput struct {
	RawURL         string
	SiteName       string
	PageType       models.PageType
	HTTPStatus     int
	Body           []byte
	ParsedData     []byte
	ScrapingDurMs  *int64
}

// Store implements specification §4.3's "Store" operation: write the body
// (deduplicated by content hash) before any database row references it, so
// a crash mid-write can never leave a DB row pointing at a missing file.
func (c *Cache) Store(ctx context.Context, in StoreInput) error {
	if !in.PageType.Valid() {
		return fmt.Errorf("store: invalid page type %q", in.PageType)
	}

	start := c.clock.Now()
	canonURL := c.canon.Canonicalize(in.RawURL, in.SiteName)

	sum := sha256.Sum256(in.Body)
	contentHash := hex.EncodeToString(sum[:])

	existing, err := c.store.FindContentByHash(ctx, contentHash)
	var contentRef int64
	switch {
	case err == nil:
		contentRef = existing.CacheID
		metrics.CacheDedupHits.Inc()
		logging.Ctx(ctx).Debug().Str("content_hash", contentHash).Msg("content dedup: reusing existing record")
	case err == database.ErrNotFound:
		fileUUID := uuid.NewString()
		if writeErr := c.writeBody(fileUUID, in.Body); writeErr != nil {
			return fmt.Errorf("write cache body: %w", writeErr)
		}
		contentRef, err = c.store.InsertContentRecord(ctx, models.ContentRecord{
			HTTPStatus:         in.HTTPStatus,
			FileUUID:           fileUUID,
			ContentHash:        contentHash,
			SizeBytes:          int64(len(in.Body)),
			ScrapedAt:          c.clock.Now(),
			ScrapingDurationMs: in.ScrapingDurMs,
			ParsedData:         in.ParsedData,
		})
		if err != nil {
			_ = os.Remove(c.bodyPath(fileUUID))
			return fmt.Errorf("insert content record: %w", err)
		}
	default:
		return fmt.Errorf("find content by hash: %w", err)
	}

	expiresAt := c.clock.Now().Add(c.ttls.forPageType(in.PageType))
	if err := c.store.UpsertCacheEntry(ctx, canonURL, in.SiteName, in.PageType, contentRef, expiresAt); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}

	metrics.CacheStoreDuration.Observe(c.clock.Now().Sub(start).Seconds())
	return nil
}

// writeBody writes body to a temp file in the cache root and renames it
// into place, so a concurrent Lookup never observes a partially-written
// file at the final path.
func (c *Cache) writeBody(fileUUID string, body []byte) error {
	final := c.bodyPath(fileUUID)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, body, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Stats implements specification §4.3's "stats" operation.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	totalEntries, err := c.store.CountValidEntries(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("count valid entries: %w", err)
	}
	fileBytes, err := c.store.TotalContentBytes(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("total content bytes: %w", err)
	}
	daily, err := c.store.GetDailyStats(ctx, c.clock.Now())
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("get daily stats: %w", err)
	}

	var hitRate float64
	if daily.TotalRequests > 0 {
		hitRate = float64(daily.CacheHits) / float64(daily.TotalRequests)
	}

	metrics.CacheEntriesValid.Set(float64(totalEntries))
	metrics.CacheBytesOnDisk.Set(float64(fileBytes))

	return models.CacheStats{
		TotalEntries:  totalEntries,
		FileBytes:     fileBytes,
		TodayRequests: daily.TotalRequests,
		Hits:          daily.CacheHits,
		Misses:        daily.CacheMisses,
		HitRate:       hitRate,
	}, nil
}
