package infrastructure

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficina99/service-order-system/shared/events"
)

const (
	testQueueURL = "http://localhost:4566/000000000000/billing-events.fifo"
	testDLQURL   = "http://localhost:4566/000000000000/billing-events-dlt.fifo"
)

type fakeSQSClient struct {
	mu         sync.Mutex
	messages   []types.Message
	sendErr    error
	sent       []*sqs.SendMessageInput
	deleted    []string
	visibility []int32
}

func (f *fakeSQSClient) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: messages}, nil
}

func (f *fakeSQSClient) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQSClient) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = append(f.visibility, params.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQSClient) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, params)
	return &sqs.SendMessageOutput{}, nil
}

func noopSQSHandler() EventHandler {
	return NewEventHandlerFunc("sqs-test", func(context.Context, *events.Event) error {
		return nil
	})
}

func brokenMessage() types.Message {
	return types.Message{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String(`{"id": 12`),
	}
}

func TestSQSReadDeadLettersMalformedBody(t *testing.T) {
	client := &fakeSQSClient{messages: []types.Message{brokenMessage()}}
	s := NewSQSEventSubscriber(client, testQueueURL, noopSQSHandler(), zerolog.Nop(),
		WithDeadLetterQueue(testDLQURL))

	require.NoError(t, s.read(context.Background()))

	require.Len(t, client.sent, 1)
	forwarded := client.sent[0]
	assert.Equal(t, testDLQURL, aws.ToString(forwarded.QueueUrl))
	assert.Equal(t, `{"id": 12`, aws.ToString(forwarded.MessageBody))

	reason, ok := forwarded.MessageAttributes[events.MetaFailureReason]
	require.True(t, ok)
	assert.Contains(t, aws.ToString(reason.StringValue), "malformed event")

	origin, ok := forwarded.MessageAttributes[events.MetaOriginalChannel]
	require.True(t, ok)
	assert.Equal(t, testQueueURL, aws.ToString(origin.StringValue))

	// FIFO destination needs grouping and dedup keys.
	assert.Equal(t, "m-1", aws.ToString(forwarded.MessageGroupId))
	assert.Equal(t, "m-1", aws.ToString(forwarded.MessageDeduplicationId))

	assert.Equal(t, []string{"rh-1"}, client.deleted)
	assert.Empty(t, s.inboundMessages)
}

func TestSQSReadLeavesMalformedUnackedWithoutDLQ(t *testing.T) {
	client := &fakeSQSClient{messages: []types.Message{brokenMessage()}}
	s := NewSQSEventSubscriber(client, testQueueURL, noopSQSHandler(), zerolog.Nop())

	require.NoError(t, s.read(context.Background()))

	// The queue's redrive policy settles the message after max receives.
	assert.Empty(t, client.sent)
	assert.Empty(t, client.deleted)
	assert.Empty(t, s.inboundMessages)
}

func TestSQSCleanDeadLettersMalformedHandlerError(t *testing.T) {
	client := &fakeSQSClient{}
	s := NewSQSEventSubscriber(client, testQueueURL, noopSQSHandler(), zerolog.Nop(),
		WithDeadLetterQueue(testDLQURL))

	message := &sqsMessage{
		Message: types.Message{
			MessageId:     aws.String("m-2"),
			ReceiptHandle: aws.String("rh-2"),
			Body:          aws.String(`{"id": "x"}`),
		},
		Err: errors.Wrap(events.ErrMalformedEvent, "payload does not match event type"),
	}

	require.NoError(t, s.clean(context.Background(), message))

	require.Len(t, client.sent, 1)
	assert.Equal(t, []string{"rh-2"}, client.deleted)
	assert.Empty(t, client.visibility, "malformed messages must not be retried")
}

func TestSQSCleanExtendsVisibilityOnTransientError(t *testing.T) {
	client := &fakeSQSClient{}
	s := NewSQSEventSubscriber(client, testQueueURL, noopSQSHandler(), zerolog.Nop(),
		WithDeadLetterQueue(testDLQURL))

	message := &sqsMessage{
		Message: types.Message{
			MessageId:     aws.String("m-3"),
			ReceiptHandle: aws.String("rh-3"),
			Attributes:    map[string]string{"ApproximateReceiveCount": "4"},
		},
		Err: errors.New("database unavailable"),
	}

	require.NoError(t, s.clean(context.Background(), message))

	require.Len(t, client.visibility, 1)
	assert.EqualValues(t, 60, client.visibility[0])
	assert.Empty(t, client.sent)
	assert.Empty(t, client.deleted)
}

func TestSQSCleanAcksHandledMessage(t *testing.T) {
	client := &fakeSQSClient{}
	s := NewSQSEventSubscriber(client, testQueueURL, noopSQSHandler(), zerolog.Nop())

	message := &sqsMessage{
		Message: types.Message{
			MessageId:     aws.String("m-4"),
			ReceiptHandle: aws.String("rh-4"),
		},
	}

	require.NoError(t, s.clean(context.Background(), message))
	assert.Equal(t, []string{"rh-4"}, client.deleted)
}

func TestSQSDeadLetterKeepsMessageWhenForwardFails(t *testing.T) {
	client := &fakeSQSClient{sendErr: errors.New("dead letter queue unavailable")}
	s := NewSQSEventSubscriber(client, testQueueURL, noopSQSHandler(), zerolog.Nop(),
		WithDeadLetterQueue(testDLQURL))

	s.deadLetter(context.Background(), brokenMessage(), events.ErrMalformedEvent)

	assert.Empty(t, client.deleted, "a message whose forward failed must stay on the queue")
}
