package application

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/models"
)

// orderInStatus builds an order walked to the given status through legal
// transitions, with uncommitted events cleared.
func orderInStatus(t *testing.T, status domain.Status) *domain.Order {
	t.Helper()

	order, err := domain.NewOrder(models.GenerateUUID(), models.GenerateUUID(), "suspension noise")
	require.NoError(t, err)

	paths := map[domain.Status][]domain.Status{
		domain.StatusReceived:         {},
		domain.StatusDiagnosing:       {domain.StatusDiagnosing},
		domain.StatusAwaitingApproval: {domain.StatusDiagnosing, domain.StatusAwaitingApproval},
		domain.StatusAwaitingPayment:  {domain.StatusDiagnosing, domain.StatusAwaitingApproval, domain.StatusAwaitingPayment},
		domain.StatusInProgress:       {domain.StatusDiagnosing, domain.StatusAwaitingApproval, domain.StatusAwaitingPayment, domain.StatusInProgress},
		domain.StatusFinished:         {domain.StatusDiagnosing, domain.StatusAwaitingApproval, domain.StatusAwaitingPayment, domain.StatusInProgress, domain.StatusFinished},
		domain.StatusDelivered:        {domain.StatusDiagnosing, domain.StatusAwaitingApproval, domain.StatusAwaitingPayment, domain.StatusInProgress, domain.StatusFinished, domain.StatusDelivered},
	}

	steps, ok := paths[status]
	if !ok && status == domain.StatusCancelled {
		require.NoError(t, order.Cancel("cancelled for test setup", domain.StageManual, "test"))
		order.ClearEvents()
		return order
	}
	require.True(t, ok, "no path to status %s", status)

	for _, step := range steps {
		require.NoError(t, order.Transition(step, "", "test"))
	}
	require.Equal(t, status, order.Status)

	order.ClearEvents()
	return order
}
