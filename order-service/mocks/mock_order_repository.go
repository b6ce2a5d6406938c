package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/models"
)

// MockOrderRepository is a mock implementation of domain.OrderRepository
type MockOrderRepository struct {
	mock.Mock
}

type MockOrderRepository_Expecter struct {
	mock *mock.Mock
}

func (m *MockOrderRepository) EXPECT() *MockOrderRepository_Expecter {
	return &MockOrderRepository_Expecter{mock: &m.Mock}
}

func (m *MockOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (e *MockOrderRepository_Expecter) Save(ctx interface{}, order interface{}) *mock.Call {
	return e.mock.On("Save", ctx, order)
}

func (m *MockOrderRepository) FindByID(ctx context.Context, id models.ID) (*domain.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (e *MockOrderRepository_Expecter) FindByID(ctx interface{}, id interface{}) *mock.Call {
	return e.mock.On("FindByID", ctx, id)
}

func (m *MockOrderRepository) FindByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Order), args.Error(1)
}

func (e *MockOrderRepository_Expecter) FindByStatus(ctx interface{}, status interface{}) *mock.Call {
	return e.mock.On("FindByStatus", ctx, status)
}

func (m *MockOrderRepository) FindAll(ctx context.Context) ([]*domain.Order, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Order), args.Error(1)
}

func (e *MockOrderRepository_Expecter) FindAll(ctx interface{}) *mock.Call {
	return e.mock.On("FindAll", ctx)
}

func (m *MockOrderRepository) Delete(ctx context.Context, id models.ID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (e *MockOrderRepository_Expecter) Delete(ctx interface{}, id interface{}) *mock.Call {
	return e.mock.On("Delete", ctx, id)
}
