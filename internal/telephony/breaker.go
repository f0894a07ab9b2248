package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

// BreakerSettings configures the per-line circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// BreakerProvider guards each line with its own circuit breaker so that a
// line which keeps refusing calls is taken out of rotation.
type BreakerProvider struct {
	next     Provider
	settings BreakerSettings
	onTrip   func(lineID string)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps next. onTrip, if set, is called asynchronously
// with the line id whenever that line's breaker opens.
func NewBreakerProvider(next Provider, settings BreakerSettings, onTrip func(lineID string)) *BreakerProvider {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}
	return &BreakerProvider{
		next:     next,
		settings: settings,
		onTrip:   onTrip,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dial places the call through the line's breaker.
func (b *BreakerProvider) Dial(ctx context.Context, req DialRequest, sink EventSink) error {
	_, err := b.breaker(req.LineID).Execute(func() (interface{}, error) {
		return nil, b.next.Dial(ctx, req, sink)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: line %s circuit open", apperrors.ErrUnavailable, req.LineID)
	}
	return err
}

// State reports the breaker state of a line.
func (b *BreakerProvider) State(lineID string) gobreaker.State {
	return b.breaker(lineID).State()
}

func (b *BreakerProvider) breaker(lineID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[lineID]; ok {
		return cb
	}
	threshold := b.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        lineID,
		MaxRequests: b.settings.HalfOpenRequests,
		Timeout:     b.settings.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= threshold },
		OnStateChange: func(name string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen && b.onTrip != nil {
				go b.onTrip(name)
			}
		},
	})
	b.breakers[lineID] = cb
	return cb
}
