package supervisor

import (
	"context"
	"time"

	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/models"
)

// Cleaner runs one pass of the split-store cache's expire/sweep/evict/
// compact cycle. Satisfied by *cache.Cache.
type Cleaner interface {
	Cleanup(ctx context.Context) (models.CleanupResult, error)
}

// CleanupService runs Cleaner.Cleanup on a fixed tick as a suture.Service.
// Unlike cartographus's Start/Stop-manager wrappers (e.g.
// NewsletterSchedulerService), the cleanup loop here has no separate
// manager to start — the ticking itself is the service, grounded on the
// periodic cleanup cadence in original_source/app/scrapers/cache_manager.py.
type CleanupService struct {
	cleaner Cleaner
	tick    time.Duration
	name    string
}

// NewCleanupService builds a CleanupService running Cleanup every tick.
func NewCleanupService(cleaner Cleaner, tick time.Duration) *CleanupService {
	if tick <= 0 {
		tick = time.Hour
	}
	return &CleanupService{cleaner: cleaner, tick: tick, name: "cache-cleanup"}
}

// Serve implements suture.Service.
func (s *CleanupService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *CleanupService) runOnce(ctx context.Context) {
	result, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("cache cleanup run failed")
		return
	}
	logging.Ctx(ctx).Info().
		Int64("entries_invalidated", result.EntriesInvalidated).
		Int64("files_deleted", result.FilesDeleted).
		Int64("bytes_freed", result.BytesFreed).
		Msg("cache cleanup run completed")
}

// String implements fmt.Stringer for suture's logging.
func (s *CleanupService) String() string {
	return s.name
}
