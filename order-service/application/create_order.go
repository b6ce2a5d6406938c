package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// CreateOrderCommand represents the command to open a new service order
type CreateOrderCommand struct {
	CustomerID  models.ID `json:"customer_id"`
	VehicleID   models.ID `json:"vehicle_id"`
	Description string    `json:"description"`
}

// CreateOrder use case opens a service order and announces it on the
// order events channel. The announcement goes out only after the order
// is durably persisted.
type CreateOrder struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewCreateOrder creates a new CreateOrder use case
func NewCreateOrder(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
) *CreateOrder {
	return &CreateOrder{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute creates the order
func (uc *CreateOrder) Execute(ctx context.Context, cmd *CreateOrderCommand) (*domain.Order, error) {
	order, err := domain.NewOrder(cmd.CustomerID, cmd.VehicleID, cmd.Description)
	if err != nil {
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
