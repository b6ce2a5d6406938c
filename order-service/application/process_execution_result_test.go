package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/order-service/mocks"
	"github.com/oficina99/service-order-system/shared/events"
)

func TestProcessExecutionCompletion_Execute(t *testing.T) {
	t.Run("completion finishes the order", func(t *testing.T) {
		order := orderInStatus(t, domain.StatusInProgress)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Run(func(args mock.Arguments) {
			saved := args.Get(1).(*domain.Order)
			assert.Equal(t, domain.StatusFinished, saved.Status)
			assert.NotNil(t, saved.FinalizedAt)
		}).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()

		uc := NewProcessExecutionCompletion(repo, publisher)
		err := uc.Execute(context.Background(), &ProcessExecutionCompletionCommand{
			OrderID:    order.ID,
			Notes:      "brakes replaced",
			ExecutedBy: "mechanic",
		})

		require.NoError(t, err)
		repo.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})

	t.Run("duplicate completion is acknowledged", func(t *testing.T) {
		order := orderInStatus(t, domain.StatusFinished)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()

		uc := NewProcessExecutionCompletion(repo, publisher)
		err := uc.Execute(context.Background(), &ProcessExecutionCompletionCommand{
			OrderID: order.ID,
		})

		require.NoError(t, err)
		repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("completion in incompatible state compensates with execution stage", func(t *testing.T) {
		order := orderInStatus(t, domain.StatusDiagnosing)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			event := args.Get(1).(*events.Event)
			assert.Equal(t, events.OrderCancelledEvent, event.EventType)
			data, ok := event.Data.(domain.OrderCancelledData)
			require.True(t, ok)
			assert.Equal(t, domain.StageExecution, data.FailedStage)
		}).Return(nil).Once()

		uc := NewProcessExecutionCompletion(repo, publisher)
		err := uc.Execute(context.Background(), &ProcessExecutionCompletionCommand{
			OrderID: order.ID,
		})

		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, order.Status)
	})
}

func TestProcessExecutionFailure_Execute(t *testing.T) {
	t.Run("failure without rework cancels and emits nothing", func(t *testing.T) {
		order := orderInStatus(t, domain.StatusInProgress)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()
		repo.EXPECT().Save(mock.Anything, order).Run(func(args mock.Arguments) {
			saved := args.Get(1).(*domain.Order)
			assert.Equal(t, domain.StatusCancelled, saved.Status)
		}).Return(nil).Once()

		uc := NewProcessExecutionFailure(repo, publisher)
		err := uc.Execute(context.Background(), &ProcessExecutionFailureCommand{
			OrderID:     order.ID,
			Reason:      "part unavailable",
			NeedsRework: false,
		})

		require.NoError(t, err)
		assert.Empty(t, order.Events())
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
	})

	t.Run("failure with rework keeps the order in progress", func(t *testing.T) {
		order := orderInStatus(t, domain.StatusInProgress)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()

		uc := NewProcessExecutionFailure(repo, publisher)
		err := uc.Execute(context.Background(), &ProcessExecutionFailureCommand{
			OrderID:     order.ID,
			Reason:      "alignment off",
			NeedsRework: true,
		})

		require.NoError(t, err)
		assert.Equal(t, domain.StatusInProgress, order.Status)
		repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("failure on terminal order is acknowledged", func(t *testing.T) {
		order := orderInStatus(t, domain.StatusCancelled)
		repo := &mocks.MockOrderRepository{}
		publisher := &mocks.MockPublisher{}

		repo.EXPECT().FindByID(mock.Anything, order.ID).Return(order, nil).Once()

		uc := NewProcessExecutionFailure(repo, publisher)
		err := uc.Execute(context.Background(), &ProcessExecutionFailureCommand{
			OrderID: order.ID,
			Reason:  "late failure report",
		})

		require.NoError(t, err)
		repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}
