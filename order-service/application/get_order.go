package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/models"
)

// GetOrder use case loads a single service order
type GetOrder struct {
	orderRepository domain.OrderRepository
}

// NewGetOrder creates a new GetOrder use case
func NewGetOrder(orderRepository domain.OrderRepository) *GetOrder {
	return &GetOrder{orderRepository: orderRepository}
}

// Execute returns the order or ErrNotFound
func (uc *GetOrder) Execute(ctx context.Context, id models.ID) (*domain.Order, error) {
	order, err := uc.orderRepository.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}

	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}

	return order, nil
}

// ListOrders use case lists service orders, optionally filtered by status
type ListOrders struct {
	orderRepository domain.OrderRepository
}

// NewListOrders creates a new ListOrders use case
func NewListOrders(orderRepository domain.OrderRepository) *ListOrders {
	return &ListOrders{orderRepository: orderRepository}
}

// Execute lists all orders
func (uc *ListOrders) Execute(ctx context.Context) ([]*domain.Order, error) {
	orders, err := uc.orderRepository.FindAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}
	return orders, nil
}

// ExecuteByStatus lists orders in the given status
func (uc *ListOrders) ExecuteByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	if !status.IsValid() {
		return nil, errors.Wrapf(domain.ErrValidation, "unknown status %s", status)
	}

	orders, err := uc.orderRepository.FindByStatus(ctx, status)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders by status")
	}
	return orders, nil
}
