package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/order-service/domain"
	"github.com/oficina99/service-order-system/shared/models"
)

// PostgresOrderRepository implements OrderRepository using PostgreSQL
type PostgresOrderRepository struct {
	db *sqlx.DB
}

// NewPostgresOrderRepository creates a new PostgresOrderRepository
func NewPostgresOrderRepository(db *sqlx.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// postgresOrder represents a service order in the database
type postgresOrder struct {
	ID            string     `db:"id"`
	CustomerID    string     `db:"customer_id"`
	VehicleID     string     `db:"vehicle_id"`
	Description   string     `db:"description"`
	Status        string     `db:"status"`
	TotalAmount   int64      `db:"total_amount"`
	TotalCurrency string     `db:"total_currency"`
	FinalizedAt   *time.Time `db:"finalized_at"`
	DeliveredAt   *time.Time `db:"delivered_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	DeletedAt     *time.Time `db:"deleted_at"`
	Version       int        `db:"version"`
}

// postgresStatusChange represents one history entry in the database
type postgresStatusChange struct {
	OrderID    string    `db:"order_id"`
	Position   int       `db:"position"`
	FromStatus *string   `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Note       string    `db:"note"`
	Actor      string    `db:"actor"`
	ChangedAt  time.Time `db:"changed_at"`
}

func historyRow(orderID string, position int, change domain.StatusChange) *postgresStatusChange {
	var from *string
	if change.From != nil {
		s := change.From.String()
		from = &s
	}
	return &postgresStatusChange{
		OrderID:    orderID,
		Position:   position,
		FromStatus: from,
		ToStatus:   change.To.String(),
		Note:       change.Note,
		Actor:      change.Actor,
		ChangedAt:  change.At,
	}
}

func (row *postgresStatusChange) toStatusChange() domain.StatusChange {
	var from *domain.Status
	if row.FromStatus != nil {
		s := domain.Status(*row.FromStatus)
		from = &s
	}
	return domain.StatusChange{
		From:  from,
		To:    domain.Status(row.ToStatus),
		Note:  row.Note,
		Actor: row.Actor,
		At:    row.ChangedAt,
	}
}

// Save persists the order and its history atomically. A fresh aggregate
// (version 0) is inserted; anything else is an optimistic update guarded
// by the previous version. History rows are append-only: existing
// positions are left untouched.
func (r *PostgresOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if order.Version.Value == 0 {
		if err := r.insertOrder(ctx, tx, order); err != nil {
			return err
		}
	} else {
		if err := r.updateOrder(ctx, tx, order); err != nil {
			return err
		}
	}

	if err := r.insertHistory(ctx, tx, order); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit order")
}

func (r *PostgresOrderRepository) insertOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	query := `
		INSERT INTO service_orders (
			id, customer_id, vehicle_id, description, status,
			total_amount, total_currency, finalized_at, delivered_at,
			created_at, updated_at, version
		) VALUES (
			:id, :customer_id, :vehicle_id, :description, :status,
			:total_amount, :total_currency, :finalized_at, :delivered_at,
			:created_at, :updated_at, :version
		)`

	_, err := tx.NamedExecContext(ctx, query, r.toPostgres(order))
	if err != nil {
		return errors.Wrap(err, "failed to insert order")
	}

	return nil
}

func (r *PostgresOrderRepository) updateOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	query := `
		UPDATE service_orders
		SET status = :status,
			total_amount = :total_amount,
			total_currency = :total_currency,
			finalized_at = :finalized_at,
			delivered_at = :delivered_at,
			updated_at = :updated_at,
			version = :version
		WHERE id = :id AND version = :old_version AND deleted_at IS NULL`

	res, err := tx.NamedExecContext(ctx, query, map[string]interface{}{
		"id":             order.ID.String(),
		"status":         order.Status.String(),
		"total_amount":   order.Total.Amount,
		"total_currency": order.Total.Currency,
		"finalized_at":   order.FinalizedAt,
		"delivered_at":   order.DeliveredAt,
		"updated_at":     order.Timestamps.UpdatedAt,
		"version":        order.Version.Value,
		"old_version":    order.Version.Value - 1,
	})
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return errors.Wrapf(domain.ErrVersionConflict,
			"order %s at version %d", order.ID, order.Version.Value-1)
	}

	return nil
}

func (r *PostgresOrderRepository) insertHistory(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	query := `
		INSERT INTO order_status_history (
			order_id, position, from_status, to_status, note, actor, changed_at
		) VALUES (
			:order_id, :position, :from_status, :to_status, :note, :actor, :changed_at
		)
		ON CONFLICT (order_id, position) DO NOTHING`

	for i, change := range order.History {
		if _, err := tx.NamedExecContext(ctx, query, historyRow(order.ID.String(), i, change)); err != nil {
			return errors.Wrap(err, "failed to insert history entry")
		}
	}

	return nil
}

// FindByID finds an order by ID, history included. Returns nil when no
// order exists.
func (r *PostgresOrderRepository) FindByID(ctx context.Context, id models.ID) (*domain.Order, error) {
	query := `
		SELECT id, customer_id, vehicle_id, description, status,
			   total_amount, total_currency, finalized_at, delivered_at,
			   created_at, updated_at, deleted_at, version
		FROM service_orders
		WHERE id = $1 AND deleted_at IS NULL`

	var pgOrder postgresOrder
	err := r.db.GetContext(ctx, &pgOrder, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find order")
	}

	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	return r.toDomain(&pgOrder, history)
}

// FindByStatus finds orders in the given status, newest first
func (r *PostgresOrderRepository) FindByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	query := `
		SELECT id, customer_id, vehicle_id, description, status,
			   total_amount, total_currency, finalized_at, delivered_at,
			   created_at, updated_at, deleted_at, version
		FROM service_orders
		WHERE status = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`

	var pgOrders []postgresOrder
	if err := r.db.SelectContext(ctx, &pgOrders, query, status.String()); err != nil {
		return nil, errors.Wrap(err, "failed to find orders by status")
	}

	return r.toDomainList(ctx, pgOrders)
}

// FindAll returns every order, newest first
func (r *PostgresOrderRepository) FindAll(ctx context.Context) ([]*domain.Order, error) {
	query := `
		SELECT id, customer_id, vehicle_id, description, status,
			   total_amount, total_currency, finalized_at, delivered_at,
			   created_at, updated_at, deleted_at, version
		FROM service_orders
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC`

	var pgOrders []postgresOrder
	if err := r.db.SelectContext(ctx, &pgOrders, query); err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}

	return r.toDomainList(ctx, pgOrders)
}

// Delete soft-deletes an order. The history stays for audit.
func (r *PostgresOrderRepository) Delete(ctx context.Context, id models.ID) error {
	query := `UPDATE service_orders SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, time.Now(), id.String())
	if err != nil {
		return errors.Wrap(err, "failed to delete order")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read delete result")
	}
	if affected == 0 {
		return errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}

	return nil
}

func (r *PostgresOrderRepository) loadHistory(ctx context.Context, id models.ID) ([]domain.StatusChange, error) {
	query := `
		SELECT order_id, position, from_status, to_status, note, actor, changed_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY position`

	var rows []postgresStatusChange
	if err := r.db.SelectContext(ctx, &rows, query, id.String()); err != nil {
		return nil, errors.Wrap(err, "failed to load order history")
	}

	history := make([]domain.StatusChange, len(rows))
	for i := range rows {
		history[i] = rows[i].toStatusChange()
	}

	return history, nil
}

func (r *PostgresOrderRepository) toDomainList(ctx context.Context, pgOrders []postgresOrder) ([]*domain.Order, error) {
	orders := make([]*domain.Order, len(pgOrders))
	for i := range pgOrders {
		history, err := r.loadHistory(ctx, models.ID(pgOrders[i].ID))
		if err != nil {
			return nil, err
		}
		order, err := r.toDomain(&pgOrders[i], history)
		if err != nil {
			return nil, err
		}
		orders[i] = order
	}
	return orders, nil
}

func (r *PostgresOrderRepository) toPostgres(order *domain.Order) *postgresOrder {
	return &postgresOrder{
		ID:            order.ID.String(),
		CustomerID:    order.CustomerID.String(),
		VehicleID:     order.VehicleID.String(),
		Description:   order.Description,
		Status:        order.Status.String(),
		TotalAmount:   order.Total.Amount,
		TotalCurrency: order.Total.Currency,
		FinalizedAt:   order.FinalizedAt,
		DeliveredAt:   order.DeliveredAt,
		CreatedAt:     order.Timestamps.CreatedAt,
		UpdatedAt:     order.Timestamps.UpdatedAt,
		DeletedAt:     order.Timestamps.DeletedAt,
		Version:       order.Version.Value,
	}
}

func (r *PostgresOrderRepository) toDomain(pgOrder *postgresOrder, history []domain.StatusChange) (*domain.Order, error) {
	id, err := models.NewID(pgOrder.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID")
	}

	customerID, err := models.NewID(pgOrder.CustomerID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid customer ID")
	}

	vehicleID, err := models.NewID(pgOrder.VehicleID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid vehicle ID")
	}

	return &domain.Order{
		ID:          id,
		CustomerID:  customerID,
		VehicleID:   vehicleID,
		Description: pgOrder.Description,
		Status:      domain.Status(pgOrder.Status),
		Total:       models.NewMoney(pgOrder.TotalAmount, pgOrder.TotalCurrency),
		FinalizedAt: pgOrder.FinalizedAt,
		DeliveredAt: pgOrder.DeliveredAt,
		History:     history,
		Timestamps: models.Timestamps{
			CreatedAt: pgOrder.CreatedAt,
			UpdatedAt: pgOrder.UpdatedAt,
			DeletedAt: pgOrder.DeletedAt,
		},
		Version: models.Version{Value: pgOrder.Version},
	}, nil
}
