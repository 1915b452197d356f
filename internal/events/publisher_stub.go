//go:build !nats

package events

import (
	"context"

	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/models"
)

// Publisher is a no-op stub when NATS dependencies are not compiled in.
// Build with -tags=nats for the real Watermill/NATS-backed publisher.
type Publisher struct{}

// NewPublisher returns a Publisher that logs once and otherwise discards
// every event. reiharvest's core contract (internal/fetch, internal/cache)
// never depends on publishing succeeding, so this is always a safe default.
func NewPublisher(_ PublisherConfig) (*Publisher, error) {
	logging.Info().Msg("event publishing disabled: build with -tags=nats to enable it")
	return &Publisher{}, nil
}

// PublishRequestEvent discards ev.
func (p *Publisher) PublishRequestEvent(_ context.Context, _ models.RequestEvent) {}

// PublishDailyStats discards stats.
func (p *Publisher) PublishDailyStats(_ context.Context, _ models.DailyCacheStats) {}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }
