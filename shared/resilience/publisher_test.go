package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

var errBrokerDown = errors.New("broker unavailable")

type flakyPublisher struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	published []*events.Event
}

func (p *flakyPublisher) Publish(_ context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failFirst {
		return errBrokerDown
	}
	p.published = append(p.published, evts...)
	return nil
}

func (p *flakyPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type memoryOutbox struct {
	mu     sync.Mutex
	parked []*events.Event
}

func (o *memoryOutbox) Park(_ context.Context, _ string, event *events.Event, _ error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parked = append(o.parked, event)
	return nil
}

func (o *memoryOutbox) parkedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.parked)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  50 * time.Millisecond,
	}
}

func statusEvent() *events.Event {
	return events.NewEvent(models.GenerateUUID(), events.OrderStatusChangedEvent, nil)
}

func cancelEvent() *events.Event {
	return events.NewEvent(models.GenerateUUID(), events.OrderCancelledEvent, nil)
}

func TestPublish_Success(t *testing.T) {
	inner := &flakyPublisher{}
	p := NewResilientPublisher(events.OrderEventsChannel, inner, zerolog.Nop(),
		WithRetryPolicy(fastPolicy()))

	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	assert.Equal(t, 1, inner.callCount())
	assert.Len(t, inner.published, 1)
}

func TestPublish_RecoversAfterTransientFailures(t *testing.T) {
	inner := &flakyPublisher{failFirst: 2}
	p := NewResilientPublisher(events.OrderEventsChannel, inner, zerolog.Nop(),
		WithRetryPolicy(fastPolicy()))

	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	assert.Equal(t, 3, inner.callCount())
	assert.Len(t, inner.published, 1)
}

func TestPublish_NonCriticalExhaustionParksInOutbox(t *testing.T) {
	inner := &flakyPublisher{failFirst: 1000}
	outbox := &memoryOutbox{}
	p := NewResilientPublisher(events.OrderEventsChannel, inner, zerolog.Nop(),
		WithRetryPolicy(fastPolicy()),
		WithOutbox(outbox))

	// A status change is a notification: the caller is not failed,
	// the event is parked for replay instead.
	err := p.Publish(context.Background(), statusEvent())
	require.NoError(t, err)
	assert.Equal(t, 1, outbox.parkedCount())
}

func TestPublish_CriticalExhaustionEscalates(t *testing.T) {
	inner := &flakyPublisher{failFirst: 1000}
	outbox := &memoryOutbox{}
	p := NewResilientPublisher(events.OrderEventsChannel, inner, zerolog.Nop(),
		WithRetryPolicy(fastPolicy()),
		WithOutbox(outbox))

	err := p.Publish(context.Background(), cancelEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBrokerDown)
	assert.Equal(t, 0, outbox.parkedCount(), "critical events are not silently parked")
}

func TestPublish_OpenBreakerShortCircuits(t *testing.T) {
	inner := &flakyPublisher{failFirst: 1000}
	p := NewResilientPublisher(events.OrderEventsChannel, inner, zerolog.Nop(),
		WithRetryPolicy(fastPolicy()),
		WithFailureThreshold(3),
		WithOpenTimeout(time.Hour))

	// Trip the breaker with non-critical sends.
	require.NoError(t, p.Publish(context.Background(), statusEvent()))
	callsAfterTrip := inner.callCount()
	assert.GreaterOrEqual(t, callsAfterTrip, 3)

	// With the breaker open the compensation send must fail fast,
	// without reaching the broker at all.
	err := p.Publish(context.Background(), cancelEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, callsAfterTrip, inner.callCount())
}

func TestPublishAsync_DeliversOutcome(t *testing.T) {
	inner := &flakyPublisher{failFirst: 1000}
	p := NewResilientPublisher(events.OrderEventsChannel, inner, zerolog.Nop(),
		WithRetryPolicy(fastPolicy()))

	select {
	case err := <-p.PublishAsync(context.Background(), cancelEvent()):
		assert.ErrorIs(t, err, errBrokerDown)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for async publish result")
	}
}

func TestPublish_StopsAtFirstEscalatedFailure(t *testing.T) {
	inner := &flakyPublisher{failFirst: 1000}
	p := NewResilientPublisher(events.OrderEventsChannel, inner, zerolog.Nop(),
		WithRetryPolicy(fastPolicy()),
		WithCriticalEvents(events.OrderCancelledEvent, events.OrderStatusChangedEvent))

	err := p.Publish(context.Background(), statusEvent(), cancelEvent())
	require.Error(t, err)
	assert.Len(t, inner.published, 0)
}
