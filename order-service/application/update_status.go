package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// UpdateOrderStatusCommand represents a status change requested through
// the administrative surface (mechanic, attendant, back office).
type UpdateOrderStatusCommand struct {
	OrderID models.ID     `json:"order_id"`
	Status  domain.Status `json:"status"`
	Note    string        `json:"note"`
	Actor   string        `json:"actor"`
}

// UpdateOrderStatus use case applies one transition to a service order
type UpdateOrderStatus struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewUpdateOrderStatus creates a new UpdateOrderStatus use case
func NewUpdateOrderStatus(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
) *UpdateOrderStatus {
	return &UpdateOrderStatus{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute loads the order, applies the transition and persists it.
// Nothing is published unless the mutation was durably saved.
func (uc *UpdateOrderStatus) Execute(ctx context.Context, cmd *UpdateOrderStatusCommand) (*domain.Order, error) {
	if !cmd.Status.IsValid() {
		return nil, errors.Wrapf(domain.ErrValidation, "unknown status %s", cmd.Status)
	}

	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", cmd.OrderID)
	}

	if err := order.Transition(cmd.Status, cmd.Note, cmd.Actor); err != nil {
		return nil, err
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}

	if err := uc.eventPublisher.Publish(ctx, order.Events()...); err != nil {
		return nil, errors.Wrap(err, "failed to publish order events")
	}

	order.ClearEvents()

	return order, nil
}
