package infrastructure

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/telemetry"
)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"
)

type sqsMessage struct {
	Message types.Message
	Event   *events.Event
	Err     error
}

// SQSAPI is the slice of the SQS client the subscriber uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

var _ events.Subscriber = (*SQSEventSubscriber)(nil)
var _ SQSAPI = (*sqs.Client)(nil)

// SQSEventSubscriber implements event subscription using AWS SQS.
//
// Messages that fail transiently are not acked; their visibility timeout
// is extended progressively with the receive count, so redelivery backs
// off instead of hammering the handler. Structurally bad messages are
// forwarded to the configured dead-letter queue with failure metadata
// and never retried. Without a configured dead-letter queue they are
// left un-acked so the queue's redrive policy dead-letters them.
type SQSEventSubscriber struct {
	mux              sync.RWMutex
	inboundMessages  chan *sqsMessage
	outboundMessages chan *sqsMessage
	cancel           context.CancelFunc
	running          atomic.Bool
	options          *sqsSubscriberOptions
	logger           zerolog.Logger

	client   SQSAPI
	queueURL string
	handler  EventHandler
}

type sqsSubscriberOptions struct {
	workers                        int32
	readers                        int32
	cleaners                       int32
	maxNumberOfMessages            int32
	waitTimeSeconds                int32
	visibilityTimeout              int32
	sleepTimeAfterEmptyReceive     time.Duration
	sleepTimeAfterError            time.Duration
	ack                            bool
	extendVisibilityTimeoutOnError bool
	receiveCountRange              int32
	visibilityTimeoutOffset        int32
	maxVisibilityTimeout           int32
	dlqURL                         string
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithWorkers(workers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.workers = workers
	}
}

func WithReaders(readers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.readers = readers
	}
}

func WithVisibilityTimeout(timeout int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = timeout
	}
}

// WithDeadLetterQueue sets the queue unprocessable messages are
// forwarded to.
func WithDeadLetterQueue(queueURL string) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.dlqURL = queueURL
	}
}

// NewSQSEventSubscriber creates a new SQS event subscriber
func NewSQSEventSubscriber(
	client SQSAPI,
	queueURL string,
	handler EventHandler,
	logger zerolog.Logger,
	opts ...SQSSubscriberOption,
) *SQSEventSubscriber {
	options := &sqsSubscriberOptions{
		workers:                        30,
		readers:                        1,
		cleaners:                       2,
		maxNumberOfMessages:            5,
		waitTimeSeconds:                15,
		visibilityTimeout:              30,
		sleepTimeAfterEmptyReceive:     10 * time.Second,
		sleepTimeAfterError:            20 * time.Second,
		ack:                            true,
		extendVisibilityTimeoutOnError: true,
		receiveCountRange:              3,
		visibilityTimeoutOffset:        30,
		maxVisibilityTimeout:           900, // 15 minutes
	}

	for _, opt := range opts {
		opt(options)
	}

	return &SQSEventSubscriber{
		client:           client,
		queueURL:         queueURL,
		handler:          handler,
		logger:           logger.With().Str("queue_url", queueURL).Logger(),
		inboundMessages:  make(chan *sqsMessage, 10),
		outboundMessages: make(chan *sqsMessage, 10),
		options:          options,
	}
}

// Start starts the SQS subscriber
func (s *SQSEventSubscriber) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	s.inboundMessages = make(chan *sqsMessage, 10)
	s.outboundMessages = make(chan *sqsMessage, 10)
	s.cancel = cancel

	for i := 0; i < int(s.options.workers); i++ {
		go s.startWorker(ctx)
	}

	for i := 0; i < int(s.options.readers); i++ {
		go s.startReader(ctx)
	}

	for i := 0; i < int(s.options.cleaners); i++ {
		go s.startCleaner(ctx)
	}

	s.running.Store(true)
	s.logger.Info().Msg("sqs subscriber started")

	return nil
}

// Stop stops the SQS subscriber
func (s *SQSEventSubscriber) Stop(_ context.Context) error {
	if !s.running.Load() {
		return nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	s.cancel = nil
	s.running.Store(false)
	s.logger.Info().Msg("sqs subscriber stopped")

	return nil
}

func (s *SQSEventSubscriber) startWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.inboundMessages:
			if message == nil {
				continue
			}
			s.handle(ctx, message)
		}
	}
}

func (s *SQSEventSubscriber) startReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := s.read(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to read from queue")
				time.Sleep(s.options.sleepTimeAfterError)
			}
		}
	}
}

func (s *SQSEventSubscriber) startCleaner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.outboundMessages:
			if message == nil {
				continue
			}
			if err := s.clean(ctx, message); err != nil {
				s.logger.Error().Err(err).Msg("failed to settle message")
				continue
			}
		}
	}
}

func (s *SQSEventSubscriber) read(ctx context.Context) error {
	output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		AttributeNames: []types.QueueAttributeName{
			"ApproximateReceiveCount",
			"ApproximateFirstReceiveTimestamp",
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to receive message from SQS")
	}

	if len(output.Messages) == 0 {
		time.Sleep(s.options.sleepTimeAfterEmptyReceive)
		return nil
	}

	for _, message := range output.Messages {
		event, err := events.FromJSON([]byte(aws.ToString(message.Body)))
		if err != nil {
			// A body that never parses will never parse; no retry.
			s.deadLetter(ctx, message, errors.Wrap(events.ErrMalformedEvent, err.Error()))
			continue
		}

		if event.Metadata == nil {
			event.Metadata = make(events.Metadata)
		}

		event.Metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
		if message.ReceiptHandle != nil {
			event.Metadata.Set(SQSReceiptHandleKey, *message.ReceiptHandle)
		}

		for k, v := range message.MessageAttributes {
			if v.StringValue != nil {
				event.Metadata.Set(k, *v.StringValue)
			}
		}

		select {
		case s.inboundMessages <- &sqsMessage{
			Message: message,
			Event:   event,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *SQSEventSubscriber) handle(ctx context.Context, message *sqsMessage) {
	s.mux.RLock()
	handler := s.handler
	s.mux.RUnlock()

	if handler == nil {
		message.Err = errors.New("no handler configured")
	} else {
		message.Err = handler.Handle(ctx, message.Event)
	}

	select {
	case s.outboundMessages <- message:
	case <-ctx.Done():
	}
}

func (s *SQSEventSubscriber) clean(ctx context.Context, message *sqsMessage) error {
	if message.Err != nil {
		if errors.Is(message.Err, events.ErrMalformedEvent) {
			// Redelivery cannot fix a structurally bad message.
			s.deadLetter(ctx, message.Message, message.Err)
			return nil
		}

		if s.options.extendVisibilityTimeoutOnError {
			receiveCount, err := strconv.Atoi(message.Message.Attributes["ApproximateReceiveCount"])
			if err != nil {
				receiveCount = 1
			}

			visibilityTimeout := s.options.visibilityTimeout
			visibilityTimeout += (int32(receiveCount) / s.options.receiveCountRange) * s.options.visibilityTimeoutOffset

			if visibilityTimeout > s.options.maxVisibilityTimeout {
				visibilityTimeout = s.options.maxVisibilityTimeout
			}

			_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          &s.queueURL,
				ReceiptHandle:     message.Message.ReceiptHandle,
				VisibilityTimeout: visibilityTimeout,
			})
			if err != nil {
				return errors.Wrap(err, "failed to extend visibility timeout")
			}
		}
		return nil
	}

	if s.options.ack {
		s.ackMessage(ctx, message.Message)
	}

	return nil
}

// deadLetter forwards an unprocessable message to the dead-letter queue
// with provenance metadata, then acks it on the source queue. When no
// dead-letter queue is configured, or the forward fails, the message is
// left un-acked so the redrive policy settles it after max receives.
func (s *SQSEventSubscriber) deadLetter(ctx context.Context, message types.Message, cause error) {
	s.logger.Error().Err(cause).
		Str("message_id", aws.ToString(message.MessageId)).
		Msg("dead-lettering message")

	telemetry.RecordCounter(ctx, "saga_events_dead_lettered_total", "messages routed to the dead letter topic", 1,
		attribute.String("channel", s.queueURL),
	)

	if s.options.dlqURL == "" {
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.options.dlqURL),
		MessageBody: message.Body,
		MessageAttributes: map[string]types.MessageAttributeValue{
			events.MetaOriginalChannel: {
				DataType:    aws.String("String"),
				StringValue: aws.String(s.queueURL),
			},
			events.MetaFailureReason: {
				DataType:    aws.String("String"),
				StringValue: aws.String(cause.Error()),
			},
			SQSMessageIDKey: {
				DataType:    aws.String("String"),
				StringValue: message.MessageId,
			},
		},
	}

	if strings.HasSuffix(s.options.dlqURL, ".fifo") {
		input.MessageGroupId = message.MessageId
		input.MessageDeduplicationId = message.MessageId
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		s.logger.Error().Err(err).
			Str("message_id", aws.ToString(message.MessageId)).
			Msg("failed to write to dead letter queue")
		return
	}

	s.ackMessage(ctx, message)
}

func (s *SQSEventSubscriber) ackMessage(ctx context.Context, message types.Message) {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &s.queueURL,
		ReceiptHandle: message.ReceiptHandle,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("message_id", aws.ToString(message.MessageId)).
			Msg("failed to delete message from SQS")
	}
}
