package fetch

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/metrics"
)

// BreakerSettings configures the per-site circuit breaker. Defaults mirror
// cartographus/internal/sync/circuit_breaker.go's Tautulli client: trip
// after a 60% failure rate with at least 10 requests, 3 probes while
// half-open, reset counts every minute while closed.
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	FailureRate float64
}

// DefaultBreakerSettings returns the cartographus-derived defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		MinRequests: 10,
		FailureRate: 0.6,
	}
}

// BreakerDriver wraps a Driver with a per-site circuit breaker so that a
// site returning mostly errors stops being hammered while it recovers
// (specification §4.4's "the driver is the one component allowed to fail
// loudly; the coordinator insulates every other caller from that").
type BreakerDriver struct {
	driver Driver
	site   string
	cb     *gobreaker.CircuitBreaker[Result]
}

// NewBreakerDriver wraps driver for siteName using settings.
func NewBreakerDriver(siteName string, driver Driver, settings BreakerSettings) *BreakerDriver {
	metrics.CircuitBreakerState.WithLabelValues(siteName).Set(0)

	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        siteName,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("site", name).Str("from", stateToString(from)).Str("to", stateToString(to)).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &BreakerDriver{driver: driver, site: siteName, cb: cb}
}

// Fetch implements Driver, routing the call through the breaker.
func (b *BreakerDriver) Fetch(ctx context.Context, rawURL string) (Result, error) {
	result, err := b.cb.Execute(func() (Result, error) {
		return b.driver.Fetch(ctx, rawURL)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Result{}, fmt.Errorf("circuit breaker open for site %s: %w", b.site, err)
		}
		return Result{}, err
	}
	return result, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
