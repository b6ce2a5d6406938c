package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/models"
)

// SetOrderTotalCommand represents the command to set the order total
type SetOrderTotalCommand struct {
	OrderID models.ID    `json:"order_id"`
	Total   models.Money `json:"total"`
}

// SetOrderTotal use case updates the monetary total of an order
type SetOrderTotal struct {
	orderRepository domain.OrderRepository
}

// NewSetOrderTotal creates a new SetOrderTotal use case
func NewSetOrderTotal(orderRepository domain.OrderRepository) *SetOrderTotal {
	return &SetOrderTotal{orderRepository: orderRepository}
}

// Execute sets the total
func (uc *SetOrderTotal) Execute(ctx context.Context, cmd *SetOrderTotalCommand) (*domain.Order, error) {
	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", cmd.OrderID)
	}

	if err := order.SetTotal(cmd.Total); err != nil {
		return nil, err
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}

	return order, nil
}
