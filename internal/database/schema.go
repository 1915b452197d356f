package database

// schemaStatements creates the five tables from the specification's data
// model (§3) plus the indexes the unique constraints and hot-path queries
// in §6 need:
//   - normalizedUrl, urlHash unique on cache_entries
//   - contentHash, fileUuid unique on content_records
//   - date unique via daily_cache_stats' stat_date primary key (one row
//     per UTC day, not per site)
//   - entries -> content_records foreign key with cascade-on-delete
var schemaStatements = []string{
	`CREATE SEQUENCE IF NOT EXISTS seq_content_records`,
	`CREATE TABLE IF NOT EXISTS content_records (
		cache_id BIGINT PRIMARY KEY DEFAULT nextval('seq_content_records'),
		http_status INTEGER NOT NULL,
		file_uuid TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL UNIQUE,
		size_bytes BIGINT NOT NULL,
		scraped_at TIMESTAMP NOT NULL,
		scraping_duration_ms BIGINT,
		parsed_data BLOB
	)`,

	`CREATE SEQUENCE IF NOT EXISTS seq_cache_entries`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		entry_id BIGINT PRIMARY KEY DEFAULT nextval('seq_cache_entries'),
		original_url TEXT NOT NULL,
		normalized_url TEXT NOT NULL UNIQUE,
		url_hash TEXT NOT NULL UNIQUE,
		source_site TEXT NOT NULL,
		page_type TEXT NOT NULL,
		is_valid BOOLEAN NOT NULL DEFAULT TRUE,
		cache_hits BIGINT NOT NULL DEFAULT 0,
		first_cached_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		content_ref BIGINT REFERENCES content_records(cache_id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_url_hash ON cache_entries(url_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_content_ref ON cache_entries(content_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_last_accessed ON cache_entries(last_accessed_at)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_config (
		site_name TEXT PRIMARY KEY,
		max_requests INTEGER NOT NULL,
		period_seconds INTEGER NOT NULL,
		concurrent_limit INTEGER,
		retry_after_seconds INTEGER
	)`,

	`CREATE SEQUENCE IF NOT EXISTS seq_request_events`,
	`CREATE TABLE IF NOT EXISTS request_events (
		event_id BIGINT PRIMARY KEY DEFAULT nextval('seq_request_events'),
		site_name TEXT NOT NULL,
		request_timestamp TIMESTAMP NOT NULL,
		response_time_ms BIGINT,
		status TEXT NOT NULL,
		error_message TEXT,
		from_cache BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_events_site_time ON request_events(site_name, request_timestamp)`,

	`CREATE TABLE IF NOT EXISTS daily_cache_stats (
		stat_date DATE PRIMARY KEY,
		total_requests BIGINT NOT NULL DEFAULT 0,
		cache_hits BIGINT NOT NULL DEFAULT 0,
		cache_misses BIGINT NOT NULL DEFAULT 0,
		cache_expired BIGINT NOT NULL DEFAULT 0,
		cache_invalidated BIGINT NOT NULL DEFAULT 0,
		entries_cleaned BIGINT NOT NULL DEFAULT 0,
		files_cleaned BIGINT NOT NULL DEFAULT 0
	)`,
}
