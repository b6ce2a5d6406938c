package handlers

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/oficina99/service-order-system/order-service/application"
	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// ProcessedEventStore is the consumer-side idempotency ledger. An event
// is marked only after its handler ran to completion, so a delivery that
// failed halfway is retried in full.
type ProcessedEventStore interface {
	AlreadyProcessed(ctx context.Context, eventID models.ID, handlerID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID models.ID, handlerID string) (bool, error)
}

// BillingEventHandler consumes budget outcomes from the billing service
type BillingEventHandler struct {
	budgetApproval  *application.ProcessBudgetApproval
	budgetRejection *application.ProcessBudgetRejection
	inbox           ProcessedEventStore
	logger          zerolog.Logger
}

// NewBillingEventHandler creates a new BillingEventHandler
func NewBillingEventHandler(
	budgetApproval *application.ProcessBudgetApproval,
	budgetRejection *application.ProcessBudgetRejection,
	inbox ProcessedEventStore,
	logger zerolog.Logger,
) *BillingEventHandler {
	return &BillingEventHandler{
		budgetApproval:  budgetApproval,
		budgetRejection: budgetRejection,
		inbox:           inbox,
		logger:          logger.With().Str("handler", "billing-events").Logger(),
	}
}

// HandlerID identifies this handler in the processed-events ledger
func (h *BillingEventHandler) HandlerID() string {
	return "order-service.billing"
}

// Handle dispatches one billing event to its use case
func (h *BillingEventHandler) Handle(ctx context.Context, event *events.Event) error {
	return dispatch(ctx, h.inbox, h.HandlerID(), h.logger, event, func(ctx context.Context) error {
		switch event.EventType {
		case events.BudgetApprovedEvent:
			var data domain.BudgetApprovedData
			if err := decodePayload(event, &data); err != nil {
				return err
			}
			if err := requireOrderID(event, data.OrderID); err != nil {
				return err
			}
			return h.budgetApproval.Execute(ctx, &application.ProcessBudgetApprovalCommand{
				OrderID:        data.OrderID,
				ApprovedAmount: data.ApprovedAmount,
				ApprovedBy:     data.ApprovedBy,
			})

		case events.BudgetRejectedEvent:
			var data domain.BudgetRejectedData
			if err := decodePayload(event, &data); err != nil {
				return err
			}
			if err := requireOrderID(event, data.OrderID); err != nil {
				return err
			}
			return h.budgetRejection.Execute(ctx, &application.ProcessBudgetRejectionCommand{
				OrderID: data.OrderID,
				Reason:  data.Reason,
			})

		default:
			h.logger.Warn().
				Str("event_type", event.EventType).
				Str("event_id", event.ID.String()).
				Msg("ignoring unknown billing event type")
			return nil
		}
	})
}

// ExecutionEventHandler consumes repair outcomes from the execution service
type ExecutionEventHandler struct {
	executionCompletion *application.ProcessExecutionCompletion
	executionFailure    *application.ProcessExecutionFailure
	inbox               ProcessedEventStore
	logger              zerolog.Logger
}

// NewExecutionEventHandler creates a new ExecutionEventHandler
func NewExecutionEventHandler(
	executionCompletion *application.ProcessExecutionCompletion,
	executionFailure *application.ProcessExecutionFailure,
	inbox ProcessedEventStore,
	logger zerolog.Logger,
) *ExecutionEventHandler {
	return &ExecutionEventHandler{
		executionCompletion: executionCompletion,
		executionFailure:    executionFailure,
		inbox:               inbox,
		logger:              logger.With().Str("handler", "execution-events").Logger(),
	}
}

// HandlerID identifies this handler in the processed-events ledger
func (h *ExecutionEventHandler) HandlerID() string {
	return "order-service.execution"
}

// Handle dispatches one execution event to its use case
func (h *ExecutionEventHandler) Handle(ctx context.Context, event *events.Event) error {
	return dispatch(ctx, h.inbox, h.HandlerID(), h.logger, event, func(ctx context.Context) error {
		switch event.EventType {
		case events.ExecutionCompletedEvent:
			var data domain.ExecutionCompletedData
			if err := decodePayload(event, &data); err != nil {
				return err
			}
			if err := requireOrderID(event, data.OrderID); err != nil {
				return err
			}
			return h.executionCompletion.Execute(ctx, &application.ProcessExecutionCompletionCommand{
				OrderID:    data.OrderID,
				Notes:      data.Notes,
				ExecutedBy: data.ExecutedBy,
			})

		case events.ExecutionFailedEvent:
			var data domain.ExecutionFailedData
			if err := decodePayload(event, &data); err != nil {
				return err
			}
			if err := requireOrderID(event, data.OrderID); err != nil {
				return err
			}
			return h.executionFailure.Execute(ctx, &application.ProcessExecutionFailureCommand{
				OrderID:     data.OrderID,
				Reason:      data.Reason,
				NeedsRework: data.NeedsRework,
			})

		default:
			h.logger.Warn().
				Str("event_type", event.EventType).
				Str("event_id", event.ID.String()).
				Msg("ignoring unknown execution event type")
			return nil
		}
	})
}

// dispatch wraps a handler body with the idempotency ledger: duplicates
// are acked up front, successful runs are recorded afterwards. A ledger
// read failure is transient and retried through normal redelivery.
func dispatch(
	ctx context.Context,
	inbox ProcessedEventStore,
	handlerID string,
	logger zerolog.Logger,
	event *events.Event,
	fn func(ctx context.Context) error,
) error {
	seen, err := inbox.AlreadyProcessed(ctx, event.ID, handlerID)
	if err != nil {
		return errors.Wrap(err, "failed to consult processed events")
	}
	if seen {
		logger.Debug().
			Str("event_id", event.ID.String()).
			Str("event_type", event.EventType).
			Msg("skipping already processed event")
		return nil
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if _, err := inbox.MarkProcessed(ctx, event.ID, handlerID); err != nil {
		// The handler already succeeded and is safe to re-run, so a
		// bookkeeping failure does not fail the delivery.
		logger.Error().Err(err).
			Str("event_id", event.ID.String()).
			Msg("failed to record processed event")
	}

	return nil
}

// decodePayload unmarshals the event payload, tagging structural
// failures as malformed so the subscriber dead-letters instead of
// retrying.
func decodePayload(event *events.Event, v interface{}) error {
	if err := event.UnmarshalPayload(v); err != nil {
		return errors.Wrapf(events.ErrMalformedEvent, "payload of %s event %s: %v",
			event.EventType, event.ID, err)
	}
	return nil
}

// requireOrderID rejects payloads without an order reference. Redelivery
// cannot supply the missing id, so this is a dead-letter case.
func requireOrderID(event *events.Event, id models.ID) error {
	if id.IsZero() {
		return errors.Wrapf(events.ErrMalformedEvent, "%s event %s carries no order id",
			event.EventType, event.ID)
	}
	return nil
}
