package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// CancelOrderCommand represents an operator-initiated cancellation
type CancelOrderCommand struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason"`
	Actor   string    `json:"actor"`
}

// CancelOrder use case aborts a service order and broadcasts the
// compensation event. The publish is synchronous and its failure
// propagates: the other saga participants must learn about the
// cancellation before this step counts as done.
type CancelOrder struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewCancelOrder creates a new CancelOrder use case
func NewCancelOrder(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
) *CancelOrder {
	return &CancelOrder{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute cancels the order
func (uc *CancelOrder) Execute(ctx context.Context, cmd *CancelOrderCommand) (*domain.Order, error) {
	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", cmd.OrderID)
	}

	if err := order.Cancel(cmd.Reason, domain.StageManual, cmd.Actor); err != nil {
		return nil, err
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}

	if err := uc.eventPublisher.Publish(ctx, order.Events()...); err != nil {
		return nil, errors.Wrap(err, "failed to publish cancellation")
	}

	order.ClearEvents()

	return order, nil
}
