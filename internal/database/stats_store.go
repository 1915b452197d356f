package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/reiharvest/internal/models"
)

// dayOf truncates t to midnight UTC, the granularity daily_cache_stats is
// keyed on.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IncrementDailyRequest upserts today's row, bumping totalRequests and
// exactly one of cacheHits/cacheMisses depending on hit. Backs the
// cache-hit-rate half of specification §4.3's "stats" contract.
func (db *DB) IncrementDailyRequest(ctx context.Context, hit bool) error {
	day := dayOf(db.now())

	var q string
	if hit {
		q = `
			INSERT INTO daily_cache_stats (stat_date, total_requests, cache_hits)
			VALUES (?, 1, 1)
			ON CONFLICT (stat_date) DO UPDATE SET
				total_requests = daily_cache_stats.total_requests + 1,
				cache_hits = daily_cache_stats.cache_hits + 1`
	} else {
		q = `
			INSERT INTO daily_cache_stats (stat_date, total_requests, cache_misses)
			VALUES (?, 1, 1)
			ON CONFLICT (stat_date) DO UPDATE SET
				total_requests = daily_cache_stats.total_requests + 1,
				cache_misses = daily_cache_stats.cache_misses + 1`
	}

	if _, err := db.conn.ExecContext(ctx, q, day); err != nil {
		return fmt.Errorf("increment daily request: %w", err)
	}
	return nil
}

// IncrementDailyExpired and IncrementDailyInvalidated record, respectively,
// entries that aged out naturally versus entries invalidated by drift
// repair or an explicit call — kept distinct per specification §3's
// daily_cache_stats columns.
func (db *DB) IncrementDailyExpired(ctx context.Context, n int64) error {
	return db.bumpDaily(ctx, "cache_expired", n)
}

func (db *DB) IncrementDailyInvalidated(ctx context.Context, n int64) error {
	return db.bumpDaily(ctx, "cache_invalidated", n)
}

// IncrementDailyCleanup records one cleanup pass's yield: entries and files
// removed (specification §4.3's cleanup() return value).
func (db *DB) IncrementDailyCleanup(ctx context.Context, entries, files int64) error {
	if err := db.bumpDaily(ctx, "entries_cleaned", entries); err != nil {
		return err
	}
	return db.bumpDaily(ctx, "files_cleaned", files)
}

// bumpDaily upserts today's row and adds delta to the named counter column.
// column is always one of the fixed literals passed by the methods above,
// never caller-supplied, so string-building the column name here is safe.
func (db *DB) bumpDaily(ctx context.Context, column string, delta int64) error {
	if delta == 0 {
		return nil
	}
	day := dayOf(db.now())

	q := fmt.Sprintf(`
		INSERT INTO daily_cache_stats (stat_date, %[1]s)
		VALUES (?, ?)
		ON CONFLICT (stat_date) DO UPDATE SET
			%[1]s = daily_cache_stats.%[1]s + EXCLUDED.%[1]s`, column)

	if _, err := db.conn.ExecContext(ctx, q, day, delta); err != nil {
		return fmt.Errorf("bump daily %s: %w", column, err)
	}
	return nil
}

// GetDailyStats returns the aggregate row for the UTC day containing t. A
// day with no recorded activity yet returns a zero-valued row, not an
// error: the stats surface is always readable.
func (db *DB) GetDailyStats(ctx context.Context, t time.Time) (models.DailyCacheStats, error) {
	day := dayOf(t)
	const q = `
		SELECT stat_date, total_requests, cache_hits, cache_misses,
		       cache_expired, cache_invalidated, entries_cleaned, files_cleaned
		FROM daily_cache_stats WHERE stat_date = ?`

	var s models.DailyCacheStats
	err := db.conn.QueryRowContext(ctx, q, day).Scan(
		&s.StatDate, &s.TotalRequests, &s.CacheHits, &s.CacheMisses,
		&s.CacheExpired, &s.CacheInvalidated, &s.EntriesCleaned, &s.FilesCleaned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DailyCacheStats{StatDate: day}, nil
		}
		return models.DailyCacheStats{}, fmt.Errorf("get daily stats: %w", err)
	}
	return s, nil
}

// TotalContentBytes sums size_bytes across every content record still on
// disk, for the fileBytes field of CacheStats.
func (db *DB) TotalContentBytes(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(SUM(size_bytes), 0) FROM content_records`
	var n int64
	if err := db.conn.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("total content bytes: %w", err)
	}
	return n, nil
}
