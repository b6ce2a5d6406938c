package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/oficina99/service-order-system/shared/events"
)

// MockPublisher is a mock implementation of events.Publisher
type MockPublisher struct {
	mock.Mock
}

type MockPublisher_Expecter struct {
	mock *mock.Mock
}

func (m *MockPublisher) EXPECT() *MockPublisher_Expecter {
	return &MockPublisher_Expecter{mock: &m.Mock}
}

func (m *MockPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	callArgs := make([]interface{}, 0, len(evts)+1)
	callArgs = append(callArgs, ctx)
	for _, e := range evts {
		callArgs = append(callArgs, e)
	}
	args := m.Called(callArgs...)
	return args.Error(0)
}

func (e *MockPublisher_Expecter) Publish(ctx interface{}, evts ...interface{}) *mock.Call {
	callArgs := append([]interface{}{ctx}, evts...)
	return e.mock.On("Publish", callArgs...)
}
