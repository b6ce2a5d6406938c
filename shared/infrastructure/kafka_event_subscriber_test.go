package infrastructure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
	"github.com/oficina99/service-order-system/shared/resilience"
)

type commitRecorder struct {
	mu      sync.Mutex
	offsets []int64
}

func (r *commitRecorder) record(_ context.Context, msg kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offsets = append(r.offsets, msg.Offset)
	return nil
}

func (r *commitRecorder) committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.offsets...)
}

func fastRetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		InitialInterval: time.Millisecond,
		Multiplier:      1.0,
		MaxInterval:     time.Millisecond,
		MaxElapsedTime:  20 * time.Millisecond,
	}
}

// newLaneTestSubscriber builds a subscriber whose reader never fetches;
// tests drive the lanes and the committer directly.
func newLaneTestSubscriber(t *testing.T, handler EventHandler) (*KafkaEventSubscriber, *commitRecorder) {
	t.Helper()

	reader := NewKafkaReader([]string{"localhost:9092"}, "order-service-test", events.BillingEventsChannel)
	t.Cleanup(func() { reader.Close() })

	s := NewKafkaEventSubscriber(reader, nil, handler, zerolog.Nop(),
		WithHandlerRetryPolicy(fastRetryPolicy()))

	recorder := &commitRecorder{}
	s.commit = recorder.record

	return s, recorder
}

func startLanePipeline(ctx context.Context, s *KafkaEventSubscriber) {
	s.lanes = make([]chan *kafkaMessageUnit, s.options.lanes)
	for i := range s.lanes {
		lane := make(chan *kafkaMessageUnit, s.options.laneBuffer)
		s.lanes[i] = lane
		s.wg.Add(1)
		go s.startLane(ctx, lane)
	}

	s.commits = make(chan *kafkaMessageUnit, s.options.lanes*s.options.laneBuffer)
	s.wg.Add(1)
	go s.startCommitter(ctx)
}

// feedMessage mirrors the fetcher: enqueue for commit first, then hand
// the unit to its lane.
func feedMessage(t *testing.T, s *KafkaEventSubscriber, msg kafka.Message) {
	t.Helper()

	unit := &kafkaMessageUnit{message: msg, done: make(chan struct{})}
	s.commits <- unit
	s.lanes[s.laneFor(msg.Key)] <- unit
}

func billingEvent(t *testing.T, orderID models.ID) (*events.Event, []byte) {
	t.Helper()

	event := events.NewEvent(orderID, events.BudgetApprovedEvent, map[string]interface{}{
		"order_id": orderID.String(),
	})
	body, err := event.ToJSON()
	require.NoError(t, err)
	return event, body
}

func TestLaneForRoutesSameKeyToSameLane(t *testing.T) {
	s, _ := newLaneTestSubscriber(t, NewEventHandlerFunc("lane-test", func(context.Context, *events.Event) error {
		return nil
	}))
	s.lanes = make([]chan *kafkaMessageUnit, s.options.lanes)

	key := []byte(models.GenerateUUID().String())
	lane := s.laneFor(key)

	assert.GreaterOrEqual(t, lane, 0)
	assert.Less(t, lane, s.options.lanes)
	for i := 0; i < 50; i++ {
		assert.Equal(t, lane, s.laneFor(key))
	}
}

func TestSubscriberCommitsOffsetsInFetchOrder(t *testing.T) {
	orderA := models.GenerateUUID()
	e1, body1 := billingEvent(t, orderA)
	e3, body3 := billingEvent(t, orderA)

	var (
		mu           sync.Mutex
		handledForA  []models.ID
		orderB       models.ID
		e2           *events.Event
		body2        []byte
		secondOfPair = make(chan struct{})
	)

	handler := NewEventHandlerFunc("order-test", func(_ context.Context, event *events.Event) error {
		if event.ID == e1.ID {
			// The first message of order A waits until the message of
			// order B has been handled on its own lane.
			<-secondOfPair
		}
		if event.ID == e2.ID {
			close(secondOfPair)
		}
		if event.AggregateID == orderA {
			mu.Lock()
			handledForA = append(handledForA, event.ID)
			mu.Unlock()
		}
		return nil
	})

	s, recorder := newLaneTestSubscriber(t, handler)
	s.lanes = make([]chan *kafkaMessageUnit, s.options.lanes)

	keyA := []byte(orderA.String())
	keyB := keyA
	for i := 0; i < 100 && s.laneFor(keyB) == s.laneFor(keyA); i++ {
		orderB = models.GenerateUUID()
		keyB = []byte(orderB.String())
	}
	require.NotEqual(t, s.laneFor(keyA), s.laneFor(keyB), "could not find a key on another lane")
	e2, body2 = billingEvent(t, orderB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startLanePipeline(ctx, s)

	feedMessage(t, s, kafka.Message{Key: keyA, Value: body1, Offset: 1})
	feedMessage(t, s, kafka.Message{Key: keyB, Value: body2, Offset: 2})
	feedMessage(t, s, kafka.Message{Key: keyA, Value: body3, Offset: 3})

	require.Eventually(t, func() bool {
		return len(recorder.committed()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{1, 2, 3}, recorder.committed())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.ID{e1.ID, e3.ID}, handledForA)
}

func TestSubscriberDropsUndecodableMessageWithoutInvokingHandler(t *testing.T) {
	var calls int64
	var mu sync.Mutex
	handler := NewEventHandlerFunc("decode-test", func(context.Context, *events.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	s, recorder := newLaneTestSubscriber(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startLanePipeline(ctx, s)

	feedMessage(t, s, kafka.Message{Key: []byte("k"), Value: []byte(`{"id": 12`), Offset: 7})

	require.Eventually(t, func() bool {
		return len(recorder.committed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{7}, recorder.committed())
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 0, calls)
}

func TestSubscriberDoesNotRetryMalformedPayload(t *testing.T) {
	var calls int
	var mu sync.Mutex
	handler := NewEventHandlerFunc("malformed-test", func(context.Context, *events.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.Wrap(events.ErrMalformedEvent, "payload does not match event type")
	})

	s, recorder := newLaneTestSubscriber(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startLanePipeline(ctx, s)

	_, body := billingEvent(t, models.GenerateUUID())
	feedMessage(t, s, kafka.Message{Key: []byte("k"), Value: body, Offset: 3})

	require.Eventually(t, func() bool {
		return len(recorder.committed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{3}, recorder.committed())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSubscriberFreezesCommitsWhenDeadLetterWriteFails(t *testing.T) {
	s, recorder := newLaneTestSubscriber(t, NewEventHandlerFunc("freeze-test", func(context.Context, *events.Event) error {
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.commits = make(chan *kafkaMessageUnit, 8)
	s.wg.Add(1)
	go s.startCommitter(ctx)

	settled := func(offset int64, failed bool) *kafkaMessageUnit {
		unit := &kafkaMessageUnit{
			message: kafka.Message{Offset: offset},
			done:    make(chan struct{}),
			failed:  failed,
		}
		close(unit.done)
		return unit
	}

	s.commits <- settled(1, false)
	s.commits <- settled(2, true)
	s.commits <- settled(3, false)

	require.Eventually(t, func() bool {
		return len(recorder.committed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Offsets at and after the lost message must stay uncommitted so a
	// restart redelivers them.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int64{1}, recorder.committed())
}
