//go:build nats

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	goccy "github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/google/uuid"

	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/models"
)

// Publisher wraps a Watermill NATS publisher with circuit breaker
// protection, so a downstream NATS outage degrades publishing silently
// instead of slowing down the fetch coordinator it is attached to.
type Publisher struct {
	publisher message.Publisher
	subject   string
	cb        *gobreaker.CircuitBreaker[interface{}]
	mu        sync.RWMutex
	closed    bool
}

// NewPublisher creates a resilient NATS event publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats event publisher disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats event publisher reconnected")
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    cfg.EnableTrackMsgID,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill nats publisher: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "events-publisher",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures == counts.Requests
		},
	})

	return &Publisher{publisher: pub, subject: cfg.Subject, cb: cb}, nil
}

// PublishRequestEvent implements fetch.Publisher. Marshal and publish
// failures are logged and swallowed: per the package doc, nothing here may
// block or fail a caller's fetch.
func (p *Publisher) PublishRequestEvent(ctx context.Context, ev models.RequestEvent) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return
	}

	payload, err := goccy.Marshal(ev)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to marshal request event for publishing")
		return
	}

	msg := message.NewMessage(uuid.NewString(), payload)

	if _, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.subject, msg)
	}); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("subject", p.subject).Msg("failed to publish request event")
	}
}

// PublishDailyStats publishes a daily stats snapshot under the subject's
// ".daily" suffix. Nothing in the fetch path or cmd/fetchd calls it.
func (p *Publisher) PublishDailyStats(ctx context.Context, stats models.DailyCacheStats) {
	payload, err := goccy.Marshal(stats)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to marshal daily stats for publishing")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if _, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.subject+".daily", msg)
	}); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to publish daily stats")
	}
}

// Close closes the underlying publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.publisher.Close()
}
