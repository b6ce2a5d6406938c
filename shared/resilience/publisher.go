package resilience

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/telemetry"
)

// OutboxStore parks events that could not be delivered so they can be
// replayed once the broker recovers.
type OutboxStore interface {
	Park(ctx context.Context, channel string, event *events.Event, cause error) error
}

// ResilientPublisher wraps a channel-bound publisher in the delivery
// policy every saga send goes through: a per-channel circuit breaker,
// then retry with exponential backoff, then a fallback.
//
// Forward-progress events are notifications: when delivery ultimately
// fails they are logged, counted and parked in the outbox, and the
// local transaction proceeds. Compensation events are mandatory gates:
// their failure is returned to the caller so the saga step is not
// considered complete and an operator alert can fire.
type ResilientPublisher struct {
	channel  string
	inner    events.Publisher
	breaker  *gobreaker.CircuitBreaker[any]
	policy   RetryPolicy
	outbox   OutboxStore
	critical map[string]bool
	logger   zerolog.Logger
}

var _ events.Publisher = (*ResilientPublisher)(nil)

type resilientOptions struct {
	policy           RetryPolicy
	outbox           OutboxStore
	critical         []string
	failureThreshold uint32
	openTimeout      time.Duration
}

type ResilientOption func(*resilientOptions)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) ResilientOption {
	return func(o *resilientOptions) {
		o.policy = policy
	}
}

// WithOutbox parks undeliverable non-critical events in the given store.
func WithOutbox(outbox OutboxStore) ResilientOption {
	return func(o *resilientOptions) {
		o.outbox = outbox
	}
}

// WithCriticalEvents marks event types whose delivery failure must be
// escalated to the caller instead of absorbed.
func WithCriticalEvents(eventTypes ...string) ResilientOption {
	return func(o *resilientOptions) {
		o.critical = append(o.critical, eventTypes...)
	}
}

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(n uint32) ResilientOption {
	return func(o *resilientOptions) {
		o.failureThreshold = n
	}
}

// WithOpenTimeout sets the breaker cooldown before a half-open probe.
func WithOpenTimeout(d time.Duration) ResilientOption {
	return func(o *resilientOptions) {
		o.openTimeout = d
	}
}

// NewResilientPublisher wraps inner, which must deliver to the named channel.
func NewResilientPublisher(channel string, inner events.Publisher, logger zerolog.Logger, opts ...ResilientOption) *ResilientPublisher {
	options := &resilientOptions{
		policy:           DefaultRetryPolicy(),
		critical:         []string{events.OrderCancelledEvent},
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(options)
	}

	critical := make(map[string]bool, len(options.critical))
	for _, eventType := range options.critical {
		critical[eventType] = true
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        channel,
		MaxRequests: 1,
		Timeout:     options.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= options.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("channel", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("publisher circuit breaker state changed")
		},
	})

	return &ResilientPublisher{
		channel:  channel,
		inner:    inner,
		breaker:  breaker,
		policy:   options.policy,
		outbox:   options.outbox,
		critical: critical,
		logger:   logger.With().Str("channel", channel).Logger(),
	}
}

// Publish delivers each event under the resilience policy and blocks
// until every event is delivered or has taken its fallback path.
func (p *ResilientPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	for _, event := range evts {
		if err := p.publishOne(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// PublishAsync delivers the events on a separate goroutine and exposes
// the outcome through the returned channel, so callers that treat the
// send as a notification can still observe (and assert on) the result.
func (p *ResilientPublisher) PublishAsync(ctx context.Context, evts ...*events.Event) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- p.Publish(ctx, evts...)
	}()
	return done
}

func (p *ResilientPublisher) publishOne(ctx context.Context, event *events.Event) error {
	attempt := func() error {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.inner.Publish(ctx, event)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Open breaker: short-circuit straight to the fallback
			// instead of queueing retries behind a failing broker.
			return Permanent(err)
		}
		return err
	}

	err := Retry(ctx, p.policy, attempt)
	if err == nil {
		telemetry.RecordCounter(ctx, "saga_events_published_total", "events delivered to the broker", 1,
			attribute.String("channel", p.channel),
			attribute.String("event_type", event.EventType),
		)
		return nil
	}

	return p.fallback(ctx, event, err)
}

func (p *ResilientPublisher) fallback(ctx context.Context, event *events.Event, cause error) error {
	telemetry.RecordCounter(ctx, "saga_events_publish_failed_total", "events that exhausted the delivery policy", 1,
		attribute.String("channel", p.channel),
		attribute.String("event_type", event.EventType),
	)

	if p.critical[event.EventType] {
		// An unpublished compensation event leaves the other services
		// believing the saga is still moving forward.
		p.logger.Error().Err(cause).
			Str("event_type", event.EventType).
			Str("order_id", event.AggregateID.String()).
			Msg("CRITICAL: compensation event not delivered, manual intervention required")
		return errors.Wrapf(cause, "failed to publish compensation event %s for order %s",
			event.EventType, event.AggregateID)
	}

	p.logger.Error().Err(cause).
		Str("event_type", event.EventType).
		Str("order_id", event.AggregateID.String()).
		Msg("event not delivered, parking in outbox")

	if p.outbox != nil {
		if parkErr := p.outbox.Park(ctx, p.channel, event, cause); parkErr != nil {
			p.logger.Error().Err(parkErr).
				Str("event_type", event.EventType).
				Msg("failed to park event in outbox")
		}
	}

	// Forward-progress notifications never block the local transaction.
	return nil
}
