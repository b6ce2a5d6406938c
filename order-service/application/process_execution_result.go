package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// ProcessExecutionCompletionCommand carries the execution service's result
type ProcessExecutionCompletionCommand struct {
	OrderID    models.ID `json:"order_id"`
	Notes      string    `json:"notes"`
	ExecutedBy string    `json:"executed_by"`
}

// ProcessExecutionCompletion finishes an order whose repair work is done.
// A completion arriving with the order in an incompatible state aborts
// the saga with a compensation tagged to the execution stage.
type ProcessExecutionCompletion struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewProcessExecutionCompletion creates a new ProcessExecutionCompletion use case
func NewProcessExecutionCompletion(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
) *ProcessExecutionCompletion {
	return &ProcessExecutionCompletion{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute applies the completion
func (uc *ProcessExecutionCompletion) Execute(ctx context.Context, cmd *ProcessExecutionCompletionCommand) error {
	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return errors.Wrapf(domain.ErrNotFound, "order %s referenced by execution completion", cmd.OrderID)
	}

	actor := cmd.ExecutedBy
	if actor == "" {
		actor = systemActor
	}

	note := "execution completed"
	if cmd.Notes != "" {
		note += ": " + cmd.Notes
	}

	switch order.Status {
	case domain.StatusInProgress:
		if err := order.Transition(domain.StatusFinished, note, actor); err != nil {
			return err
		}

	case domain.StatusFinished, domain.StatusDelivered:
		// Already finished; ack the duplicate.
		return nil

	default:
		return compensate(ctx, uc.orderRepository, uc.eventPublisher, order,
			"execution completion received while order was "+order.Status.String(), domain.StageExecution)
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return errors.Wrap(err, "failed to save order")
	}

	if err := uc.eventPublisher.Publish(ctx, order.Events()...); err != nil {
		return errors.Wrap(err, "failed to publish order events")
	}

	order.ClearEvents()

	return nil
}

// ProcessExecutionFailureCommand carries the execution service's failure report
type ProcessExecutionFailureCommand struct {
	OrderID     models.ID `json:"order_id"`
	Reason      string    `json:"reason"`
	NeedsRework bool      `json:"needs_rework"`
}

// ProcessExecutionFailure reacts to a failed repair. With rework the
// order stays in (or returns to) InProgress awaiting a new execution
// attempt; without rework the order is cancelled. The cancellation is
// local bookkeeping: execution already failed downstream, so no forward
// event is emitted.
type ProcessExecutionFailure struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewProcessExecutionFailure creates a new ProcessExecutionFailure use case
func NewProcessExecutionFailure(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
) *ProcessExecutionFailure {
	return &ProcessExecutionFailure{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute applies the failure
func (uc *ProcessExecutionFailure) Execute(ctx context.Context, cmd *ProcessExecutionFailureCommand) error {
	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return errors.Wrapf(domain.ErrNotFound, "order %s referenced by execution failure", cmd.OrderID)
	}

	reason := cmd.Reason
	if reason == "" {
		reason = "not specified"
	}

	if cmd.NeedsRework {
		if order.Status == domain.StatusInProgress {
			// Already awaiting a new execution attempt.
			return nil
		}

		if err := order.Transition(domain.StatusInProgress, "rework required: "+reason, systemActor); err != nil {
			if domain.IsInvalidTransition(err) {
				return nil
			}
			return err
		}

		if err := uc.orderRepository.Save(ctx, order); err != nil {
			return errors.Wrap(err, "failed to save order")
		}

		if err := uc.eventPublisher.Publish(ctx, order.Events()...); err != nil {
			return errors.Wrap(err, "failed to publish order events")
		}

		order.ClearEvents()

		return nil
	}

	if err := order.Cancel("execution failed: "+reason, domain.StageExecution, systemActor); err != nil {
		if domain.IsInvalidTransition(err) {
			return nil
		}
		return err
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return errors.Wrap(err, "failed to save order")
	}

	order.ClearEvents()

	return nil
}
