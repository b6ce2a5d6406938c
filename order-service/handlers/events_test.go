package handlers

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oficina99/service-order-system/order-service/application"
	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/order-service/mocks"
	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// memoryInbox is an in-memory ProcessedEventStore for tests
type memoryInbox struct {
	seen    map[string]bool
	readErr error
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{seen: make(map[string]bool)}
}

func (s *memoryInbox) key(eventID models.ID, handlerID string) string {
	return eventID.String() + "/" + handlerID
}

func (s *memoryInbox) AlreadyProcessed(_ context.Context, eventID models.ID, handlerID string) (bool, error) {
	if s.readErr != nil {
		return false, s.readErr
	}
	return s.seen[s.key(eventID, handlerID)], nil
}

func (s *memoryInbox) MarkProcessed(_ context.Context, eventID models.ID, handlerID string) (bool, error) {
	k := s.key(eventID, handlerID)
	if s.seen[k] {
		return false, nil
	}
	s.seen[k] = true
	return true, nil
}

func awaitingApprovalOrder(t *testing.T) *domain.Order {
	t.Helper()

	order, err := domain.NewOrder(models.GenerateUUID(), models.GenerateUUID(), "engine light on")
	require.NoError(t, err)
	require.NoError(t, order.Transition(domain.StatusDiagnosing, "", "test"))
	require.NoError(t, order.Transition(domain.StatusAwaitingApproval, "", "test"))
	order.ClearEvents()

	return order
}

func inProgressOrder(t *testing.T) *domain.Order {
	t.Helper()

	order := awaitingApprovalOrder(t)
	require.NoError(t, order.Transition(domain.StatusAwaitingPayment, "", "test"))
	require.NoError(t, order.Transition(domain.StatusInProgress, "", "test"))
	order.ClearEvents()

	return order
}

func newBillingHandler(repo *mocks.MockOrderRepository, publisher *mocks.MockPublisher, inbox ProcessedEventStore) *BillingEventHandler {
	return NewBillingEventHandler(
		application.NewProcessBudgetApproval(repo, publisher),
		application.NewProcessBudgetRejection(repo),
		inbox,
		zerolog.Nop(),
	)
}

func newExecutionHandler(repo *mocks.MockOrderRepository, publisher *mocks.MockPublisher, inbox ProcessedEventStore) *ExecutionEventHandler {
	return NewExecutionEventHandler(
		application.NewProcessExecutionCompletion(repo, publisher),
		application.NewProcessExecutionFailure(repo, publisher),
		inbox,
		zerolog.Nop(),
	)
}

func TestBillingEventHandler_Handle(t *testing.T) {
	t.Run("budget approval advances the order", func(t *testing.T) {
		order := awaitingApprovalOrder(t)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}
		inbox := newMemoryInbox()

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

		event := events.NewEvent(order.ID, events.BudgetApprovedEvent, domain.BudgetApprovedData{
			OrderID:        order.ID,
			ApprovedAmount: 120000,
			ApprovedBy:     "customer",
		})

		handler := newBillingHandler(repo, publisher, inbox)
		err := handler.Handle(context.Background(), event)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusInProgress, order.Status)

		seen, _ := inbox.AlreadyProcessed(context.Background(), event.ID, handler.HandlerID())
		assert.True(t, seen, "successful handling must be recorded in the inbox")
	})

	t.Run("redelivered event is acked without touching the order", func(t *testing.T) {
		order := awaitingApprovalOrder(t)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}
		inbox := newMemoryInbox()

		event := events.NewEvent(order.ID, events.BudgetApprovedEvent, domain.BudgetApprovedData{
			OrderID: order.ID,
		})

		handler := newBillingHandler(repo, publisher, inbox)
		_, err := inbox.MarkProcessed(context.Background(), event.ID, handler.HandlerID())
		require.NoError(t, err)

		require.NoError(t, handler.Handle(context.Background(), event))
		repo.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
	})

	t.Run("budget rejection cancels the order", func(t *testing.T) {
		order := awaitingApprovalOrder(t)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Return(nil).Once()

		event := events.NewEvent(order.ID, events.BudgetRejectedEvent, domain.BudgetRejectedData{
			OrderID: order.ID,
			Reason:  "over budget",
		})

		handler := newBillingHandler(repo, publisher, newMemoryInbox())
		require.NoError(t, handler.Handle(context.Background(), event))

		assert.Equal(t, domain.StatusCancelled, order.Status)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("undecodable payload is malformed", func(t *testing.T) {
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		event := events.NewEvent(models.GenerateUUID(), events.BudgetApprovedEvent, nil)
		event.Data = []byte(`{"order_id": 42`)

		handler := newBillingHandler(repo, publisher, newMemoryInbox())
		err := handler.Handle(context.Background(), event)

		assert.True(t, errors.Is(err, events.ErrMalformedEvent))
		repo.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
	})

	t.Run("payload without order id is malformed", func(t *testing.T) {
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		event := events.NewEvent(models.GenerateUUID(), events.BudgetApprovedEvent, domain.BudgetApprovedData{})

		handler := newBillingHandler(repo, publisher, newMemoryInbox())
		err := handler.Handle(context.Background(), event)

		assert.True(t, errors.Is(err, events.ErrMalformedEvent))
	})

	t.Run("unknown event type is ignored", func(t *testing.T) {
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		event := events.NewEvent(models.GenerateUUID(), "billing.invoice.issued", nil)

		handler := newBillingHandler(repo, publisher, newMemoryInbox())
		require.NoError(t, handler.Handle(context.Background(), event))
		repo.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
	})

	t.Run("inbox read failure is retryable", func(t *testing.T) {
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}
		inbox := newMemoryInbox()
		inbox.readErr = errors.New("connection refused")

		event := events.NewEvent(models.GenerateUUID(), events.BudgetApprovedEvent, domain.BudgetApprovedData{
			OrderID: models.GenerateUUID(),
		})

		handler := newBillingHandler(repo, publisher, inbox)
		err := handler.Handle(context.Background(), event)

		require.Error(t, err)
		assert.False(t, errors.Is(err, events.ErrMalformedEvent))
	})
}

func TestExecutionEventHandler_Handle(t *testing.T) {
	t.Run("execution completion finishes the order", func(t *testing.T) {
		order := inProgressOrder(t)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()

		event := events.NewEvent(order.ID, events.ExecutionCompletedEvent, domain.ExecutionCompletedData{
			OrderID:    order.ID,
			Notes:      "replaced alternator",
			ExecutedBy: "mechanic",
		})

		handler := newExecutionHandler(repo, publisher, newMemoryInbox())
		require.NoError(t, handler.Handle(context.Background(), event))
		assert.Equal(t, domain.StatusFinished, order.Status)
	})

	t.Run("execution failure without rework cancels silently", func(t *testing.T) {
		order := inProgressOrder(t)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Return(nil).Once()

		event := events.NewEvent(order.ID, events.ExecutionFailedEvent, domain.ExecutionFailedData{
			OrderID:     order.ID,
			Reason:      "engine block cracked",
			NeedsRework: false,
		})

		handler := newExecutionHandler(repo, publisher, newMemoryInbox())
		require.NoError(t, handler.Handle(context.Background(), event))

		assert.Equal(t, domain.StatusCancelled, order.Status)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("use case failure keeps the event unprocessed", func(t *testing.T) {
		order := inProgressOrder(t)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}
		inbox := newMemoryInbox()

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(nil, errors.New("connection reset")).Once()

		event := events.NewEvent(order.ID, events.ExecutionCompletedEvent, domain.ExecutionCompletedData{
			OrderID: order.ID,
		})

		handler := newExecutionHandler(repo, publisher, inbox)
		require.Error(t, handler.Handle(context.Background(), event))

		seen, _ := inbox.AlreadyProcessed(context.Background(), event.ID, handler.HandlerID())
		assert.False(t, seen, "failed handling must stay retryable")
	})

	t.Run("json payload from the wire decodes into the command", func(t *testing.T) {
		order := inProgressOrder(t)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()

		wire := events.NewEvent(order.ID, events.ExecutionCompletedEvent, domain.ExecutionCompletedData{
			OrderID:    order.ID,
			ExecutedBy: "mechanic",
		})
		raw, err := wire.ToJSON()
		require.NoError(t, err)
		event, err := events.FromJSON(raw)
		require.NoError(t, err)

		handler := newExecutionHandler(repo, publisher, newMemoryInbox())
		require.NoError(t, handler.Handle(context.Background(), event))
		assert.Equal(t, domain.StatusFinished, order.Status)
	})
}
