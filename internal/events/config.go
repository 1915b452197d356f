// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package events publishes request events and daily stats snapshots to an
// optional downstream NATS subject, for consumers outside the fetch
// coordination engine (dashboards, alerting). Publishing is entirely
// optional per specification §6's interface list ("publishing... is a
// supplement, not a dependency of the core contract"): nothing in
// internal/fetch or internal/cache blocks on it.
//
// Grounded on cartographus/internal/eventprocessor/publisher.go and its
// publisher_stub.go: a //go:build nats implementation wraps a Watermill
// NATS publisher behind a circuit breaker, and a //go:build !nats stub
// keeps the module buildable without the NATS dependency pulled in.
package events

import "time"

// PublisherConfig configures the NATS connection used by the nats-tagged
// publisher. Mirrors cartographus's PublisherConfig field-for-field.
type PublisherConfig struct {
	URL              string
	Subject          string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ReconnectBuffer  int
	EnableTrackMsgID bool
}

// DefaultPublisherConfig returns production defaults for a publisher
// connecting to url and publishing under subject.
func DefaultPublisherConfig(url, subject string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		Subject:          subject,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
	}
}
