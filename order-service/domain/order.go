package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// FailureStage tags which saga participant caused a compensation.
type FailureStage string

const (
	StageBilling   FailureStage = "BILLING"
	StageExecution FailureStage = "EXECUTION"
	StagePayment   FailureStage = "PAYMENT"
	StageManual    FailureStage = "MANUAL"
)

// StatusChange is one entry of the append-only audit trail. From is nil
// only for the creation entry. Entries are never updated or removed.
type StatusChange struct {
	From  *Status   `json:"from"`
	To    Status    `json:"to"`
	Note  string    `json:"note"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Order is the aggregate root of a repair-shop service order. All
// mutations go through Transition, Cancel and SetTotal; the history and
// version invariants depend on nothing else touching the fields.
type Order struct {
	ID          models.ID
	CustomerID  models.ID
	VehicleID   models.ID
	Description string
	Status      Status
	Total       models.Money
	FinalizedAt *time.Time
	DeliveredAt *time.Time
	History     []StatusChange
	Timestamps  models.Timestamps
	Version     models.Version

	events []*events.Event
}

// NewOrder creates a service order in the Received state with the
// synthetic creation history entry.
func NewOrder(customerID, vehicleID models.ID, description string) (*Order, error) {
	if customerID.IsZero() {
		return nil, errors.Wrap(ErrValidation, "customer reference is required")
	}
	if vehicleID.IsZero() {
		return nil, errors.Wrap(ErrValidation, "vehicle reference is required")
	}

	order := &Order{
		ID:          models.GenerateUUID(),
		CustomerID:  customerID,
		VehicleID:   vehicleID,
		Description: description,
		Status:      StatusReceived,
		Total:       models.NewMoney(0, "BRL"),
		Timestamps:  models.NewTimestamps(),
		Version:     models.NewVersion(),
	}

	order.appendHistory(nil, StatusReceived, "service order created", "system")

	event := events.NewEvent(order.ID, events.OrderCreatedEvent, OrderCreatedData{
		OrderID:     order.ID,
		CustomerRef: order.CustomerID,
		VehicleRef:  order.VehicleID,
		Description: order.Description,
		CreatedAt:   order.Timestamps.CreatedAt,
	})
	order.recordEvent(event)

	return order, nil
}

// Transition moves the order to a new status after consulting the
// transition table, stamps the lifecycle dates, appends a history entry
// and bumps the version. Pure in-memory mutation; the caller persists.
func (o *Order) Transition(to Status, note, actor string) error {
	if to == o.Status {
		return errors.Wrapf(ErrInvalidTransition, "order already in status %s", to)
	}
	if !CanTransitionTo(o.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", o.Status, to)
	}

	from := o.Status
	o.Status = to
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()

	now := time.Now()
	switch to {
	case StatusFinished:
		o.FinalizedAt = &now
	case StatusDelivered:
		o.DeliveredAt = &now
	}

	o.appendHistory(&from, to, note, actor)

	event := events.NewEvent(o.ID, events.OrderStatusChangedEvent, StatusChangedData{
		OrderID: o.ID,
		From:    from,
		To:      to,
		Note:    note,
		Actor:   actor,
	})
	o.recordEvent(event)

	return nil
}

// Cancel force-sets the order to Cancelled from any non-terminal state.
// It bypasses the transition table: compensation must be able to abort
// the saga wherever it currently stands. Only the terminal guard applies.
func (o *Order) Cancel(reason string, stage FailureStage, actor string) error {
	if o.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "cannot cancel order in terminal status %s", o.Status)
	}

	from := o.Status
	o.Status = StatusCancelled
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()

	o.appendHistory(&from, StatusCancelled, reason, actor)

	event := events.NewEvent(o.ID, events.OrderCancelledEvent, OrderCancelledData{
		OrderID:     o.ID,
		Reason:      reason,
		FailedStage: stage,
	})
	o.recordEvent(event)

	return nil
}

// SetTotal updates the monetary total of the order.
func (o *Order) SetTotal(amount models.Money) error {
	if amount.IsNegative() {
		return errors.Wrap(ErrValidation, "total cannot be negative")
	}
	o.Total = amount
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()
	return nil
}

// LastChange returns the most recent history entry.
func (o *Order) LastChange() StatusChange {
	return o.History[len(o.History)-1]
}

// Events returns uncommitted domain events
func (o *Order) Events() []*events.Event {
	return o.events
}

// ClearEvents clears uncommitted domain events
func (o *Order) ClearEvents() {
	o.events = nil
}

func (o *Order) recordEvent(event *events.Event) {
	o.events = append(o.events, event)
}

func (o *Order) appendHistory(from *Status, to Status, note, actor string) {
	o.History = append(o.History, StatusChange{
		From:  from,
		To:    to,
		Note:  note,
		Actor: actor,
		At:    time.Now(),
	})
}

// Event Data Structures

type OrderCreatedData struct {
	OrderID     models.ID `json:"order_id"`
	CustomerRef models.ID `json:"customer_ref"`
	VehicleRef  models.ID `json:"vehicle_ref"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type StatusChangedData struct {
	OrderID models.ID `json:"order_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Note    string    `json:"note"`
	Actor   string    `json:"actor"`
}

type OrderCancelledData struct {
	OrderID     models.ID    `json:"order_id"`
	Reason      string       `json:"reason"`
	FailedStage FailureStage `json:"failed_stage"`
}

// Inbound saga event payloads

type BudgetApprovedData struct {
	OrderID        models.ID `json:"order_id"`
	ApprovedAmount int64     `json:"approved_amount"`
	ApprovedBy     string    `json:"approved_by"`
}

type BudgetRejectedData struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type ExecutionCompletedData struct {
	OrderID    models.ID `json:"order_id"`
	Notes      string    `json:"notes"`
	ExecutedBy string    `json:"executed_by"`
}

type ExecutionFailedData struct {
	OrderID     models.ID `json:"order_id"`
	Reason      string    `json:"reason"`
	NeedsRework bool      `json:"needs_rework"`
}

// OrderRepository abstracts durable storage of service orders.
// Save must apply the optimistic version check: an update whose stored
// version no longer matches fails with ErrVersionConflict.
// FindByID returns nil, nil when no order exists; callers decide whether
// a miss is an error.
type OrderRepository interface {
	Save(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id models.ID) (*Order, error)
	FindByStatus(ctx context.Context, status Status) ([]*Order, error)
	FindAll(ctx context.Context) ([]*Order, error)
	Delete(ctx context.Context, id models.ID) error
}
