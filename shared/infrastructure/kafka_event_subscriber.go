package infrastructure

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/resilience"
	"github.com/oficina99/service-order-system/shared/telemetry"
)

var _ events.Subscriber = (*KafkaEventSubscriber)(nil)

type kafkaMessageUnit struct {
	message kafka.Message
	done    chan struct{}
	failed  bool
}

// KafkaEventSubscriber consumes a channel with manual offset commits.
//
// Messages are dispatched to worker lanes by partition key, so all
// events of one service order are processed strictly in order while
// different orders proceed in parallel. Offsets are committed in fetch
// order after the message has been handled or dead-lettered, never
// before; a crash therefore redelivers instead of losing messages.
type KafkaEventSubscriber struct {
	mux     sync.RWMutex
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	reader  *kafka.Reader
	dlt     *kafka.Writer
	handler EventHandler
	options *kafkaSubscriberOptions
	logger  zerolog.Logger

	lanes   []chan *kafkaMessageUnit
	commits chan *kafkaMessageUnit
	commit  func(ctx context.Context, msg kafka.Message) error
}

type kafkaSubscriberOptions struct {
	lanes       int
	laneBuffer  int
	retryPolicy resilience.RetryPolicy
}

type KafkaSubscriberOption func(*kafkaSubscriberOptions)

// WithLanes sets how many ordered worker lanes process messages.
func WithLanes(lanes int) KafkaSubscriberOption {
	return func(o *kafkaSubscriberOptions) {
		o.lanes = lanes
	}
}

// WithLaneBuffer sets the per-lane in-flight message budget.
func WithLaneBuffer(size int) KafkaSubscriberOption {
	return func(o *kafkaSubscriberOptions) {
		o.laneBuffer = size
	}
}

// WithHandlerRetryPolicy overrides the retry policy applied to each message.
func WithHandlerRetryPolicy(policy resilience.RetryPolicy) KafkaSubscriberOption {
	return func(o *kafkaSubscriberOptions) {
		o.retryPolicy = policy
	}
}

// NewKafkaReader builds a consumer-group reader for the given channel.
func NewKafkaReader(brokers []string, groupID, channel string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    channel,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// NewKafkaEventSubscriber creates a subscriber for the reader's channel.
// The dlt writer must point at the channel's dead-letter topic; pass nil
// to drop poison messages after logging them.
func NewKafkaEventSubscriber(
	reader *kafka.Reader,
	dlt *kafka.Writer,
	handler EventHandler,
	logger zerolog.Logger,
	opts ...KafkaSubscriberOption,
) *KafkaEventSubscriber {
	options := &kafkaSubscriberOptions{
		lanes:       8,
		laneBuffer:  16,
		retryPolicy: resilience.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &KafkaEventSubscriber{
		reader:  reader,
		dlt:     dlt,
		handler: handler,
		options: options,
		logger:  logger.With().Str("channel", reader.Config().Topic).Logger(),
		commit: func(ctx context.Context, msg kafka.Message) error {
			return reader.CommitMessages(ctx, msg)
		},
	}
}

// Start launches the lanes, the committer and the fetch loop.
func (s *KafkaEventSubscriber) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

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

	s.wg.Add(1)
	go s.startFetcher(ctx)

	s.running.Store(true)
	s.logger.Info().Int("lanes", s.options.lanes).Msg("kafka subscriber started")

	return nil
}

// Stop cancels the pipeline and waits for in-flight messages to drain.
func (s *KafkaEventSubscriber) Stop(_ context.Context) error {
	if !s.running.Load() {
		return nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	err := s.reader.Close()
	s.wg.Wait()
	s.running.Store(false)
	s.logger.Info().Msg("kafka subscriber stopped")

	return err
}

func (s *KafkaEventSubscriber) startFetcher(ctx context.Context) {
	defer s.wg.Done()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("failed to fetch message")
			time.Sleep(time.Second)
			continue
		}

		unit := &kafkaMessageUnit{
			message: msg,
			done:    make(chan struct{}),
		}

		// Enqueue for commit before handing to a lane so offsets are
		// always committed in fetch order.
		select {
		case s.commits <- unit:
		case <-ctx.Done():
			return
		}

		select {
		case s.lanes[s.laneFor(msg.Key)] <- unit:
		case <-ctx.Done():
			return
		}
	}
}

func (s *KafkaEventSubscriber) laneFor(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(len(s.lanes)))
}

func (s *KafkaEventSubscriber) startLane(ctx context.Context, lane <-chan *kafkaMessageUnit) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case unit := <-lane:
			if unit == nil {
				continue
			}
			unit.failed = !s.process(ctx, unit.message)
			close(unit.done)
		}
	}
}

// startCommitter commits offsets strictly in fetch order. A unit whose
// dead-letter write failed freezes further commits: committing any later
// offset would mark the lost message consumed, so everything from that
// point redelivers after a restart.
func (s *KafkaEventSubscriber) startCommitter(ctx context.Context) {
	defer s.wg.Done()

	halted := false
	for {
		select {
		case <-ctx.Done():
			return
		case unit := <-s.commits:
			if unit == nil {
				continue
			}
			select {
			case <-unit.done:
			case <-ctx.Done():
				return
			}
			if unit.failed {
				halted = true
				s.logger.Error().
					Int64("offset", unit.message.Offset).
					Msg("dead letter write failed, freezing offset commits")
			}
			if halted {
				continue
			}
			if err := s.commit(ctx, unit.message); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).
					Int64("offset", unit.message.Offset).
					Msg("failed to commit offset")
			}
		}
	}
}

// process handles one message and reports whether its offset may be
// committed.
func (s *KafkaEventSubscriber) process(ctx context.Context, msg kafka.Message) bool {
	event, err := events.FromJSON(msg.Value)
	if err != nil {
		return s.deadLetter(ctx, msg, errors.Wrap(events.ErrMalformedEvent, err.Error())) == nil
	}

	attempt := func() error {
		err := s.handler.Handle(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, events.ErrMalformedEvent) {
			// Redelivery cannot fix a structurally bad message.
			return resilience.Permanent(err)
		}
		return err
	}

	if err := resilience.Retry(ctx, s.options.retryPolicy, attempt); err != nil {
		return s.deadLetter(ctx, msg, err) == nil
	}

	telemetry.RecordCounter(ctx, "saga_events_consumed_total", "events handled successfully", 1,
		attribute.String("channel", s.reader.Config().Topic),
		attribute.String("handler", s.handler.HandlerID()),
	)

	return true
}

// deadLetter forwards an unprocessable message to the channel's DLT with
// provenance metadata. A nil return lets the offset commit so the lane
// keeps moving; a failed DLT write keeps the offset uncommitted.
func (s *KafkaEventSubscriber) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	channel := s.reader.Config().Topic

	s.logger.Error().Err(cause).
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("dead-lettering message")

	telemetry.RecordCounter(ctx, "saga_events_dead_lettered_total", "messages routed to the dead letter topic", 1,
		attribute.String("channel", channel),
	)

	if s.dlt == nil {
		return nil
	}

	headers := append(msg.Headers,
		kafka.Header{Key: events.MetaOriginalChannel, Value: []byte(channel)},
		kafka.Header{Key: events.MetaOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: events.MetaOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: events.MetaFailureReason, Value: []byte(cause.Error())},
	)

	err := s.dlt.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("key", string(msg.Key)).
			Msg("failed to write to dead letter topic")
		return errors.Wrap(err, "failed to write to dead letter topic")
	}

	return nil
}
