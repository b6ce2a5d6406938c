package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// ProcessBudgetApprovalCommand carries the billing service's approval
type ProcessBudgetApprovalCommand struct {
	OrderID        models.ID `json:"order_id"`
	ApprovedAmount int64     `json:"approved_amount"`
	ApprovedBy     string    `json:"approved_by"`
}

// ProcessBudgetApproval advances an order whose budget the customer
// approved. Billing settles the payment before emitting the approval,
// so the order passes through AwaitingPayment and lands in InProgress.
// An approval that arrives with the order in an incompatible state
// aborts the saga with a compensation tagged to the billing stage.
type ProcessBudgetApproval struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewProcessBudgetApproval creates a new ProcessBudgetApproval use case
func NewProcessBudgetApproval(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
) *ProcessBudgetApproval {
	return &ProcessBudgetApproval{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute applies the approval
func (uc *ProcessBudgetApproval) Execute(ctx context.Context, cmd *ProcessBudgetApprovalCommand) error {
	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return errors.Wrapf(domain.ErrNotFound, "order %s referenced by budget approval", cmd.OrderID)
	}

	actor := cmd.ApprovedBy
	if actor == "" {
		actor = systemActor
	}

	switch order.Status {
	case domain.StatusAwaitingApproval:
		if err := order.Transition(domain.StatusAwaitingPayment, "budget approved", actor); err != nil {
			return err
		}
		if cmd.ApprovedAmount > 0 {
			if err := order.SetTotal(models.NewMoney(cmd.ApprovedAmount, order.Total.Currency)); err != nil {
				return err
			}
		}
		if err := order.Transition(domain.StatusInProgress, "payment confirmed", systemActor); err != nil {
			return err
		}

	case domain.StatusAwaitingPayment:
		// Replay after a partially applied approval.
		if err := order.Transition(domain.StatusInProgress, "payment confirmed", systemActor); err != nil {
			return err
		}

	case domain.StatusInProgress, domain.StatusFinished, domain.StatusDelivered:
		// The approval was already applied; ack the duplicate.
		return nil

	default:
		return compensate(ctx, uc.orderRepository, uc.eventPublisher, order,
			"budget approval received while order was "+order.Status.String(), domain.StageBilling)
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

// ProcessBudgetRejectionCommand carries the billing service's rejection
type ProcessBudgetRejectionCommand struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason"`
}

// ProcessBudgetRejection cancels an order whose budget the customer
// rejected. Billing already knows the outcome, so only the local state
// is updated; no forward event goes out.
type ProcessBudgetRejection struct {
	orderRepository domain.OrderRepository
}

// NewProcessBudgetRejection creates a new ProcessBudgetRejection use case
func NewProcessBudgetRejection(orderRepository domain.OrderRepository) *ProcessBudgetRejection {
	return &ProcessBudgetRejection{orderRepository: orderRepository}
}

// Execute applies the rejection
func (uc *ProcessBudgetRejection) Execute(ctx context.Context, cmd *ProcessBudgetRejectionCommand) error {
	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return errors.Wrapf(domain.ErrNotFound, "order %s referenced by budget rejection", cmd.OrderID)
	}

	reason := cmd.Reason
	if reason == "" {
		reason = "not specified"
	}

	if err := order.Cancel("budget rejected: "+reason, domain.StageBilling, systemActor); err != nil {
		if domain.IsInvalidTransition(err) {
			// Already terminal; ack the replay.
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
