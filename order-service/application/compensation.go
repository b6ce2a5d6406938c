package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/events"
)

const systemActor = "system"

// compensate aborts the saga for an order after a step failed: cancel,
// persist, broadcast the compensation event. The publish is critical;
// its failure propagates so the inbound message is not acknowledged.
// An order already in a terminal state is left untouched, which makes
// compensation safe under event replay.
func compensate(
	ctx context.Context,
	repo domain.OrderRepository,
	publisher events.Publisher,
	order *domain.Order,
	reason string,
	stage domain.FailureStage,
) error {
	if err := order.Cancel(reason, stage, systemActor); err != nil {
		if domain.IsInvalidTransition(err) {
			return nil
		}
		return err
	}

	if err := repo.Save(ctx, order); err != nil {
		return errors.Wrap(err, "failed to save compensated order")
	}

	if err := publisher.Publish(ctx, order.Events()...); err != nil {
		return errors.Wrap(err, "failed to publish compensation")
	}

	order.ClearEvents()

	return nil
}
