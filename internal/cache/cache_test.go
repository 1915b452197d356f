package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/tomtom215/reiharvest/internal/canonical"
	"github.com/tomtom215/reiharvest/internal/clock"
	"github.com/tomtom215/reiharvest/internal/database"
	"github.com/tomtom215/reiharvest/internal/models"
)

// fakeStore is an in-memory Store used so cache.go's orchestration logic
// can be tested without a DuckDB connection.
type fakeStore struct {
	entries  map[string]*entryRow // keyed by url_hash
	contents map[int64]*models.ContentRecord
	byHash   map[string]int64 // content_hash -> cache_id
	nextID   int64

	dailyHits, dailyMisses, dailyTotal int64
	dailyExpired, dailyInvalidated     int64
}

type entryRow struct {
	canon          models.CanonicalURL
	siteName       string
	pageType       models.PageType
	isValid        bool
	contentRef     int64
	expiresAt      time.Time
	lastAccessedAt time.Time
	cacheHits      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:  make(map[string]*entryRow),
		contents: make(map[int64]*models.ContentRecord),
		byHash:   make(map[string]int64),
	}
}

func (f *fakeStore) Lookup(_ context.Context, urlHash string) (*database.CacheRow, error) {
	e, ok := f.entries[urlHash]
	if !ok || !e.isValid || !e.expiresAt.After(timeNow()) {
		return nil, database.ErrNotFound
	}
	c, ok := f.contents[e.contentRef]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &database.CacheRow{
		EntryID: 1, URLHash: urlHash, FileUUID: c.FileUUID, ContentHash: c.ContentHash,
		HTTPStatus: c.HTTPStatus, SizeBytes: c.SizeBytes, ScrapedAt: c.ScrapedAt,
		ParsedData: c.ParsedData, CacheID: c.CacheID, LastAccessedAt: e.lastAccessedAt,
	}, nil
}

// timeNow is overridden per-test via package var so fakeStore's expiry
// check can use the same clock the Cache under test uses.
var timeNow = time.Now

func (f *fakeStore) TouchHit(_ context.Context, urlHash string) error {
	if e, ok := f.entries[urlHash]; ok {
		e.cacheHits++
		e.lastAccessedAt = timeNow()
	}
	return nil
}

func (f *fakeStore) InvalidateByURLHash(_ context.Context, urlHash string) error {
	if e, ok := f.entries[urlHash]; ok {
		e.isValid = false
	}
	return nil
}

func (f *fakeStore) InvalidateByFileUUID(_ context.Context, fileUUID string) error {
	for _, e := range f.entries {
		if c, ok := f.contents[e.contentRef]; ok && c.FileUUID == fileUUID {
			e.isValid = false
		}
	}
	return nil
}

func (f *fakeStore) FindContentByHash(_ context.Context, contentHash string) (*models.ContentRecord, error) {
	id, ok := f.byHash[contentHash]
	if !ok {
		return nil, database.ErrNotFound
	}
	return f.contents[id], nil
}

func (f *fakeStore) InsertContentRecord(_ context.Context, rec models.ContentRecord) (int64, error) {
	f.nextID++
	rec.CacheID = f.nextID
	f.contents[f.nextID] = &rec
	f.byHash[rec.ContentHash] = f.nextID
	return f.nextID, nil
}

func (f *fakeStore) UpsertCacheEntry(_ context.Context, c models.CanonicalURL, siteName string, pageType models.PageType, contentRef int64, expiresAt time.Time) error {
	if e, ok := f.entries[c.URLHash]; ok {
		e.contentRef = contentRef
		e.expiresAt = expiresAt
		e.lastAccessedAt = timeNow()
		e.isValid = true
		return nil
	}
	f.entries[c.URLHash] = &entryRow{
		canon: c, siteName: siteName, pageType: pageType, isValid: true,
		contentRef: contentRef, expiresAt: expiresAt, lastAccessedAt: timeNow(),
	}
	return nil
}

func (f *fakeStore) CountValidEntries(_ context.Context) (int64, error) {
	var n int64
	for _, e := range f.entries {
		if e.isValid {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) TotalContentBytes(_ context.Context) (int64, error) {
	var n int64
	for _, c := range f.contents {
		n += c.SizeBytes
	}
	return n, nil
}

func (f *fakeStore) IncrementDailyRequest(_ context.Context, hit bool) error {
	f.dailyTotal++
	if hit {
		f.dailyHits++
	} else {
		f.dailyMisses++
	}
	return nil
}

func (f *fakeStore) GetDailyStats(_ context.Context, _ time.Time) (models.DailyCacheStats, error) {
	return models.DailyCacheStats{
		TotalRequests: f.dailyTotal, CacheHits: f.dailyHits, CacheMisses: f.dailyMisses,
		CacheExpired: f.dailyExpired, CacheInvalidated: f.dailyInvalidated,
	}, nil
}

func (f *fakeStore) ExpireEntries(_ context.Context) (int64, error) {
	var n int64
	now := timeNow()
	for _, e := range f.entries {
		if e.isValid && e.expiresAt.Before(now) {
			e.isValid = false
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ValidFileUUIDs(_ context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, e := range f.entries {
		if !e.isValid {
			continue
		}
		if c, ok := f.contents[e.contentRef]; ok {
			out[c.FileUUID] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeStore) LRUCandidates(_ context.Context) ([]database.LRUCandidate, error) {
	var out []database.LRUCandidate
	for _, e := range f.entries {
		if !e.isValid {
			continue
		}
		c, ok := f.contents[e.contentRef]
		if !ok {
			continue
		}
		out = append(out, database.LRUCandidate{FileUUID: c.FileUUID, LastAccessedAt: e.lastAccessedAt, SizeBytes: c.SizeBytes})
	}
	// Mirrors database.DB.LRUCandidates' "ORDER BY ce.last_accessed_at ASC":
	// eviction must consider least-recently-accessed entries first.
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.Before(out[j].LastAccessedAt) })
	return out, nil
}

func (f *fakeStore) DeleteDanglingEntries(_ context.Context) (int64, error) {
	var n int64
	for hash, e := range f.entries {
		if !e.isValid {
			if _, ok := f.contents[e.contentRef]; !ok {
				delete(f.entries, hash)
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteOrphanContentRecords(_ context.Context) (int64, error) {
	referenced := make(map[int64]struct{})
	for _, e := range f.entries {
		if e.isValid {
			referenced[e.contentRef] = struct{}{}
		}
	}
	var n int64
	for id, c := range f.contents {
		if _, ok := referenced[id]; !ok {
			delete(f.byHash, c.ContentHash)
			delete(f.contents, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) IncrementDailyExpired(_ context.Context, n int64) error {
	f.dailyExpired += n
	return nil
}

func (f *fakeStore) IncrementDailyInvalidated(_ context.Context, n int64) error {
	f.dailyInvalidated += n
	return nil
}

func (f *fakeStore) IncrementDailyCleanup(_ context.Context, _, _ int64) error { return nil }

func testCache(t *testing.T, mock *clock.Mock) (*Cache, *fakeStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := newFakeStore()
	timeNow = mock.Now
	canon := canonical.New(canonical.NewAllowList(nil))
	c, err := New(store, canon, dir, DefaultTTLs(), mock)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, store, dir
}

func TestStoreThenLookupHit(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, _, _ := testCache(t, mock)
	ctx := context.Background()

	in := StoreInput{RawURL: "https://www.a.jp/kodate/1", SiteName: "athome", PageType: models.PageTypeDetail, HTTPStatus: 200, Body: []byte("<html>one</html>")}
	if err := c.Store(ctx, in); err != nil {
		t.Fatalf("store: %v", err)
	}

	result, err := c.Lookup(ctx, "https://www.a.jp/kodate/1", "athome")
	if err != nil {
		t.Fatalf("expected hit, got error: %v", err)
	}
	if string(result.Body) != "<html>one</html>" {
		t.Fatalf("unexpected body: %s", result.Body)
	}
	if !result.FromCache {
		t.Fatalf("expected FromCache true")
	}
}

func TestLookupMissBeforeStore(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, _, _ := testCache(t, mock)

	_, err := c.Lookup(context.Background(), "https://www.a.jp/kodate/2", "athome")
	if err != ErrMiss {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestStoreDedupByContentHash(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, store, dir := testCache(t, mock)
	ctx := context.Background()

	body := []byte("<html>same</html>")
	if err := c.Store(ctx, StoreInput{RawURL: "https://www.a.jp/kodate/10", SiteName: "athome", PageType: models.PageTypeDetail, HTTPStatus: 200, Body: body}); err != nil {
		t.Fatalf("store 1: %v", err)
	}
	if err := c.Store(ctx, StoreInput{RawURL: "https://www.a.jp/kodate/11", SiteName: "athome", PageType: models.PageTypeDetail, HTTPStatus: 200, Body: body}); err != nil {
		t.Fatalf("store 2: %v", err)
	}

	if len(store.contents) != 1 {
		t.Fatalf("expected one content record after dedup, got %d", len(store.contents))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one body file on disk, got %d", len(entries))
	}
}

func TestLookupExpired(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, _, _ := testCache(t, mock)
	ctx := context.Background()

	if err := c.Store(ctx, StoreInput{RawURL: "https://www.a.jp/kodate/20", SiteName: "athome", PageType: models.PageTypeList, HTTPStatus: 200, Body: []byte("x")}); err != nil {
		t.Fatalf("store: %v", err)
	}

	mock.Advance(7 * time.Hour) // past the 6h list TTL

	_, err := c.Lookup(ctx, "https://www.a.jp/kodate/20", "athome")
	if err != ErrMiss {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestLookupDriftRepairsOnMissingFile(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, store, dir := testCache(t, mock)
	ctx := context.Background()

	rawURL := "https://www.a.jp/kodate/30"
	if err := c.Store(ctx, StoreInput{RawURL: rawURL, SiteName: "athome", PageType: models.PageTypeDetail, HTTPStatus: 200, Body: []byte("gone")}); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Simulate an out-of-band deletion of the body file (drift).
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one body file, got %v err=%v", entries, err)
	}
	if err := os.Remove(filepath.Join(dir, entries[0].Name())); err != nil {
		t.Fatalf("remove body file: %v", err)
	}

	_, err = c.Lookup(ctx, rawURL, "athome")
	if err != ErrMiss {
		t.Fatalf("expected drift to surface as a miss, got %v", err)
	}

	canonURL := c.canon.Canonicalize(rawURL, "athome")
	if e := store.entries[canonURL.URLHash]; e == nil || e.isValid {
		t.Fatalf("expected drifted entry to be invalidated")
	}
}

func TestCleanupExpiresEntries(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, _, _ := testCache(t, mock)
	ctx := context.Background()

	if err := c.Store(ctx, StoreInput{RawURL: "https://www.a.jp/kodate/40", SiteName: "athome", PageType: models.PageTypeList, HTTPStatus: 200, Body: []byte("x")}); err != nil {
		t.Fatalf("store: %v", err)
	}

	mock.Advance(7 * time.Hour)

	result, err := c.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.EntriesInvalidated != 1 {
		t.Fatalf("expected 1 entry invalidated, got %d", result.EntriesInvalidated)
	}
	if result.FilesDeleted != 1 {
		t.Fatalf("expected the now-orphaned body file deleted, got %d", result.FilesDeleted)
	}
}

func TestCleanupCompactsDanglingRowsAndOrphanRecords(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, store, _ := testCache(t, mock)
	ctx := context.Background()

	if err := c.Store(ctx, StoreInput{RawURL: "https://www.a.jp/kodate/50", SiteName: "athome", PageType: models.PageTypeDetail, HTTPStatus: 200, Body: []byte("x")}); err != nil {
		t.Fatalf("store: %v", err)
	}
	canonURL := c.canon.Canonicalize("https://www.a.jp/kodate/50", "athome")
	store.entries[canonURL.URLHash].isValid = false // simulate an already-invalidated row

	// Dangling-entry deletion only fires once its content record has no
	// surviving reference, and orphan-record deletion runs in the same
	// pass right after it checks — so the entry row lags its content
	// record by one cleanup pass. Two passes converge to nothing left.
	if _, err := c.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup (pass 1): %v", err)
	}
	if _, err := c.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup (pass 2): %v", err)
	}

	if len(store.entries) != 0 {
		t.Fatalf("expected dangling entry to be compacted away, got %d remaining", len(store.entries))
	}
	if len(store.contents) != 0 {
		t.Fatalf("expected orphan content record to be compacted away, got %d remaining", len(store.contents))
	}
}

// TestCleanupEvictsLRUDownToEightyPercentOfMaxBytes exercises cleanup
// phase 5 (specification §4.3 / P10): storing ten 200 kB bodies under a
// 1 MB bound must leave on-disk usage at or below 80% of the bound (four
// bodies, not five), evicting the least-recently-accessed entries first.
func TestCleanupEvictsLRUDownToEightyPercentOfMaxBytes(t *testing.T) {
	mock := clock.NewMock(time.Now())
	c, store, dir := testCache(t, mock)
	c.MaxBytes = 1_000_000
	ctx := context.Background()

	const bodySize = 200_000
	const numBodies = 10
	urls := make([]string, numBodies)
	for i := 0; i < numBodies; i++ {
		body := make([]byte, bodySize)
		for b := range body {
			body[b] = byte(i) // distinct content per body, so none dedups
		}
		urls[i] = fmt.Sprintf("https://www.a.jp/kodate/lru-%d", i)
		if err := c.Store(ctx, StoreInput{RawURL: urls[i], SiteName: "athome", PageType: models.PageTypeDetail, HTTPStatus: 200, Body: body}); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		mock.Advance(time.Minute) // each store is strictly more recently accessed than the last
	}

	result, err := c.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	total, err := store.TotalContentBytes(ctx)
	if err != nil {
		t.Fatalf("total content bytes: %v", err)
	}
	threshold := int64(float64(c.MaxBytes) * 0.8)
	if total > threshold {
		t.Fatalf("expected total bytes <= %d (80%% of %d), got %d", threshold, c.MaxBytes, total)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected exactly 4 surviving body files, got %d", len(entries))
	}
	if result.EntriesInvalidated < 6 {
		t.Fatalf("expected at least 6 entries invalidated by lru eviction, got %d", result.EntriesInvalidated)
	}

	// The four most-recently-stored URLs (highest index) must survive;
	// the six oldest must have been evicted.
	for i := 0; i < numBodies; i++ {
		canonURL := c.canon.Canonicalize(urls[i], "athome")
		e, ok := store.entries[canonURL.URLHash]
		survived := ok && e.isValid
		wantSurvive := i >= numBodies-4
		if survived != wantSurvive {
			t.Fatalf("url index %d: survived=%v, want %v", i, survived, wantSurvive)
		}
	}
}
