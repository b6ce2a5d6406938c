package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/models"
)

// DeleteOrder use case removes an order through the administrative
// surface. This is outside the saga: only terminal orders can go.
type DeleteOrder struct {
	orderRepository domain.OrderRepository
}

// NewDeleteOrder creates a new DeleteOrder use case
func NewDeleteOrder(orderRepository domain.OrderRepository) *DeleteOrder {
	return &DeleteOrder{orderRepository: orderRepository}
}

// Execute deletes the order
func (uc *DeleteOrder) Execute(ctx context.Context, id models.ID) error {
	order, err := uc.orderRepository.FindByID(ctx, id)
	if err != nil {
		return errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}

	if !order.Status.IsTerminal() {
		return errors.Wrapf(domain.ErrValidation, "cannot delete order in status %s", order.Status)
	}

	if err := uc.orderRepository.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "failed to delete order")
	}

	return nil
}
