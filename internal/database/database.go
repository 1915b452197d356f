// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package database is the relational half of the split-store cache (see
// specification §3/§4.3): cache entries, content records, rate-limit
// configuration, the append-only request-event log, and daily cache stats
// all live here, backed by an embedded DuckDB file. Bodies themselves live
// on the filesystem and are never touched by this package.
//
// Grounded on cartographus/internal/database/database.go: connection setup,
// context-scoped queries, and fmt.Errorf-wrapped failures follow the same
// shape, trimmed to the tables this domain needs.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/reiharvest/internal/clock"
	"github.com/tomtom215/reiharvest/internal/logging"
)

// ErrNotFound is returned by single-row lookups that find no matching row.
// The higher-level packages (cache, ratelimit) check for it and turn it
// into a miss/no-op, so it never reaches their callers.
var ErrNotFound = errors.New("database: not found")

// Config configures the DuckDB-backed store.
type Config struct {
	// Path is the DuckDB database file. Use ":memory:" for tests.
	Path string
	// Threads caps DuckDB's worker threads; 0 means "let DuckDB decide".
	Threads int
}

// DB wraps a DuckDB connection and the CRUD surface the rest of the fetch
// coordinator needs.
type DB struct {
	conn  *sql.DB
	clock clock.Clock
}

// Open creates the database file's parent directory if needed, opens the
// DuckDB connection, and creates tables/indexes if they do not yet exist.
func Open(ctx context.Context, cfg Config, clk clock.Clock) (*DB, error) {
	if clk == nil {
		clk = clock.Real()
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	connStr := cfg.Path
	if cfg.Threads > 0 {
		connStr = fmt.Sprintf("%s?threads=%d", cfg.Path, cfg.Threads)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open duckdb database: %w", err)
	}

	db := &DB{conn: conn, clock: clk}

	if err := db.Ping(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("ping duckdb database: %w", err)
	}

	if err := db.createSchema(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Ping verifies the connection is alive. Fatal at startup only, per the
// specification's error taxonomy (§7: "the backing database being
// unreachable" is the one storage failure that is not recovered locally).
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Conn exposes the raw *sql.DB for components that need it directly
// (metrics probes, health checks).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) now() time.Time {
	return db.clock.Now()
}

func closeQuietly(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logging.Warn().Err(err).Msg("failed to close duckdb connection during startup failure")
	}
}

// createSchema creates every table and index used by the fetch-coordination
// engine. DuckDB's CREATE TABLE/SEQUENCE IF NOT EXISTS make this idempotent,
// so it is safe to call on every process start, including when multiple
// worker processes share one database file.
func (db *DB) createSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}
