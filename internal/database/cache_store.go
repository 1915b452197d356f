package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/reiharvest/internal/models"
)

// CacheRow is the join of a cache entry and its content record, as read
// back by Lookup. A nil row (ErrNotFound) means no valid, unexpired entry
// exists for the hash.
type CacheRow struct {
	EntryID        int64
	URLHash        string
	FileUUID       string
	ContentHash    string
	HTTPStatus     int
	SizeBytes      int64
	ScrapedAt      time.Time
	ParsedData     []byte
	CacheID        int64
	LastAccessedAt time.Time
}

// Lookup returns the valid, unexpired cache entry for urlHash joined with
// its content record (specification §4.3 "Lookup" step 2). ErrNotFound
// means miss; any other error is a storage failure the caller should treat
// as a miss per §7.
func (db *DB) Lookup(ctx context.Context, urlHash string) (*CacheRow, error) {
	const q = `
		SELECT ce.entry_id, ce.url_hash, cr.file_uuid, cr.content_hash,
		       cr.http_status, cr.size_bytes, cr.scraped_at, cr.parsed_data,
		       cr.cache_id, ce.last_accessed_at
		FROM cache_entries ce
		JOIN content_records cr ON ce.content_ref = cr.cache_id
		WHERE ce.url_hash = ?
		  AND ce.is_valid = TRUE
		  AND ce.expires_at > ?`

	row := db.conn.QueryRowContext(ctx, q, urlHash, db.now())

	var r CacheRow
	if err := row.Scan(&r.EntryID, &r.URLHash, &r.FileUUID, &r.ContentHash,
		&r.HTTPStatus, &r.SizeBytes, &r.ScrapedAt, &r.ParsedData,
		&r.CacheID, &r.LastAccessedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}
	return &r, nil
}

// TouchHit atomically increments cacheHits and refreshes lastAccessedAt for
// the entry identified by urlHash (specification §4.3 "Lookup" step 3).
func (db *DB) TouchHit(ctx context.Context, urlHash string) error {
	const q = `
		UPDATE cache_entries
		SET cache_hits = cache_hits + 1, last_accessed_at = ?
		WHERE url_hash = ?`

	if _, err := db.conn.ExecContext(ctx, q, db.now(), urlHash); err != nil {
		return fmt.Errorf("touch cache hit: %w", err)
	}
	return nil
}

// InvalidateByURLHash flips isValid to false for one entry (specification
// §4.3 "Lookup" step 4, and the drift-repair path in §4.3's failure table).
func (db *DB) InvalidateByURLHash(ctx context.Context, urlHash string) error {
	const q = `UPDATE cache_entries SET is_valid = FALSE WHERE url_hash = ?`
	if _, err := db.conn.ExecContext(ctx, q, urlHash); err != nil {
		return fmt.Errorf("invalidate entry by url hash: %w", err)
	}
	return nil
}

// InvalidateByFileUUID flips isValid to false for every entry referencing
// fileUUID's content record. Used by the cleanup age sweep (§4.3 phase 4),
// which discovers staleness from the filesystem side.
func (db *DB) InvalidateByFileUUID(ctx context.Context, fileUUID string) error {
	const q = `
		UPDATE cache_entries
		SET is_valid = FALSE
		WHERE content_ref IN (SELECT cache_id FROM content_records WHERE file_uuid = ?)`
	if _, err := db.conn.ExecContext(ctx, q, fileUUID); err != nil {
		return fmt.Errorf("invalidate entries by file uuid: %w", err)
	}
	return nil
}

// FindContentByHash implements the dedup check in specification §4.3
// "Store" step 4: if a body with this contentHash was already stored, its
// cacheId and fileUuid are reused instead of writing the file again.
func (db *DB) FindContentByHash(ctx context.Context, contentHash string) (*models.ContentRecord, error) {
	const q = `
		SELECT cache_id, http_status, file_uuid, content_hash, size_bytes, scraped_at, scraping_duration_ms, parsed_data
		FROM content_records WHERE content_hash = ?`

	row := db.conn.QueryRowContext(ctx, q, contentHash)
	var rec models.ContentRecord
	var durationMs sql.NullInt64
	if err := row.Scan(&rec.CacheID, &rec.HTTPStatus, &rec.FileUUID, &rec.ContentHash,
		&rec.SizeBytes, &rec.ScrapedAt, &durationMs, &rec.ParsedData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find content by hash: %w", err)
	}
	if durationMs.Valid {
		rec.ScrapingDurationMs = &durationMs.Int64
	}
	return &rec, nil
}

// InsertContentRecord creates a new content-addressed row (specification
// §4.3 "Store" step 5, after the body has already been written to disk).
func (db *DB) InsertContentRecord(ctx context.Context, rec models.ContentRecord) (int64, error) {
	const q = `
		INSERT INTO content_records (http_status, file_uuid, content_hash, size_bytes, scraped_at, scraping_duration_ms, parsed_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING cache_id`

	var durationMs sql.NullInt64
	if rec.ScrapingDurationMs != nil {
		durationMs = sql.NullInt64{Int64: *rec.ScrapingDurationMs, Valid: true}
	}

	var cacheID int64
	err := db.conn.QueryRowContext(ctx, q, rec.HTTPStatus, rec.FileUUID, rec.ContentHash,
		rec.SizeBytes, db.now(), durationMs, rec.ParsedData).Scan(&cacheID)
	if err != nil {
		return 0, fmt.Errorf("insert content record: %w", err)
	}
	return cacheID, nil
}

// UpsertCacheEntry implements specification §4.3 "Store" step 6: insert a
// new cache entry on first sight of a canonical URL, or on conflict update
// contentRef/expiresAt/lastAccessedAt and re-validate the existing row.
func (db *DB) UpsertCacheEntry(ctx context.Context, c models.CanonicalURL, siteName string, pageType models.PageType, contentRef int64, expiresAt time.Time) error {
	now := db.now()
	const q = `
		INSERT INTO cache_entries
			(original_url, normalized_url, url_hash, source_site, page_type,
			 is_valid, cache_hits, first_cached_at, last_accessed_at, expires_at, content_ref)
		VALUES (?, ?, ?, ?, ?, TRUE, 0, ?, ?, ?, ?)
		ON CONFLICT (url_hash) DO UPDATE SET
			content_ref = EXCLUDED.content_ref,
			expires_at = EXCLUDED.expires_at,
			last_accessed_at = EXCLUDED.last_accessed_at,
			is_valid = TRUE`

	_, err := db.conn.ExecContext(ctx, q, c.OriginalURL, c.NormalizedURL, c.URLHash, siteName, string(pageType),
		now, now, expiresAt, contentRef)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// ExpireEntries implements cleanup phase 1 (specification §4.3): every
// entry whose expiresAt has passed and is still valid is invalidated.
// Returns the count invalidated (E1).
func (db *DB) ExpireEntries(ctx context.Context) (int64, error) {
	const q = `UPDATE cache_entries SET is_valid = FALSE WHERE expires_at < ? AND is_valid = TRUE`
	res, err := db.conn.ExecContext(ctx, q, db.now())
	if err != nil {
		return 0, fmt.Errorf("expire entries: %w", err)
	}
	return res.RowsAffected()
}

// ValidFileUUIDs implements cleanup phase 2: the snapshot set V of file
// UUIDs reachable from currently-valid entries.
func (db *DB) ValidFileUUIDs(ctx context.Context) (map[string]struct{}, error) {
	const q = `
		SELECT DISTINCT cr.file_uuid
		FROM content_records cr
		JOIN cache_entries ce ON ce.content_ref = cr.cache_id
		WHERE ce.is_valid = TRUE`

	rows, err := db.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list valid file uuids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("scan valid file uuid: %w", err)
		}
		out[uuid] = struct{}{}
	}
	return out, rows.Err()
}

// LRUCandidate is one still-valid entry considered for size-bound eviction.
type LRUCandidate struct {
	FileUUID       string
	LastAccessedAt time.Time
	SizeBytes      int64
}

// LRUCandidates implements cleanup phase 5: still-valid entries in
// ascending lastAccessedAt order, for eviction until the cache is back
// under its size bound.
func (db *DB) LRUCandidates(ctx context.Context) ([]LRUCandidate, error) {
	const q = `
		SELECT cr.file_uuid, ce.last_accessed_at, cr.size_bytes
		FROM cache_entries ce
		JOIN content_records cr ON ce.content_ref = cr.cache_id
		WHERE ce.is_valid = TRUE
		ORDER BY ce.last_accessed_at ASC`

	rows, err := db.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list lru candidates: %w", err)
	}
	defer rows.Close()

	var out []LRUCandidate
	for rows.Next() {
		var c LRUCandidate
		if err := rows.Scan(&c.FileUUID, &c.LastAccessedAt, &c.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan lru candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteDanglingEntries implements the first half of cleanup phase 6:
// invalid entry rows whose content record has already been removed by a
// concurrent pass are deleted outright (nothing references them any more).
func (db *DB) DeleteDanglingEntries(ctx context.Context) (int64, error) {
	const q = `
		DELETE FROM cache_entries
		WHERE is_valid = FALSE
		  AND content_ref NOT IN (SELECT cache_id FROM content_records)`
	res, err := db.conn.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("delete dangling entries: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOrphanContentRecords implements the second half of cleanup phase
// 6: content records no longer referenced by any valid entry are removed.
func (db *DB) DeleteOrphanContentRecords(ctx context.Context) (int64, error) {
	const q = `
		DELETE FROM content_records
		WHERE cache_id NOT IN (
			SELECT DISTINCT content_ref FROM cache_entries WHERE is_valid = TRUE AND content_ref IS NOT NULL
		)`
	res, err := db.conn.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("delete orphan content records: %w", err)
	}
	return res.RowsAffected()
}

// CountValidEntries is part of the stats surface (§4.3 "stats").
func (db *DB) CountValidEntries(ctx context.Context) (int64, error) {
	const q = `SELECT COUNT(*) FROM cache_entries WHERE is_valid = TRUE`
	var n int64
	if err := db.conn.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count valid entries: %w", err)
	}
	return n, nil
}
