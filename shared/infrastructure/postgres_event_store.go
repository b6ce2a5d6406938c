package infrastructure

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/models"
)

// PostgresEventStore persists the two delivery bookkeeping tables:
// the outbox (events whose publish failed, waiting for replay) and the
// inbox (ids of events already processed, for consumer idempotency).
type PostgresEventStore struct {
	db *sqlx.DB
}

// NewPostgresEventStore creates a new PostgresEventStore
func NewPostgresEventStore(db *sqlx.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// OutboxEntry is one parked event awaiting redelivery.
type OutboxEntry struct {
	ID            string     `db:"id"`
	Channel       string     `db:"channel"`
	AggregateID   string     `db:"aggregate_id"`
	EventType     string     `db:"event_type"`
	Payload       []byte     `db:"payload"`
	FailureReason string     `db:"failure_reason"`
	CreatedAt     time.Time  `db:"created_at"`
	DispatchedAt  *time.Time `db:"dispatched_at"`
}

// Event reconstructs the parked envelope.
func (e *OutboxEntry) Event() (*events.Event, error) {
	return events.FromJSON(e.Payload)
}

// Park stores an undeliverable event for later replay.
func (s *PostgresEventStore) Park(ctx context.Context, channel string, event *events.Event, cause error) error {
	payload, err := event.ToJSON()
	if err != nil {
		return errors.Wrap(err, "failed to marshal event for outbox")
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	query := `
		INSERT INTO event_outbox (
			id, channel, aggregate_id, event_type, payload, failure_reason, created_at
		) VALUES (
			:id, :channel, :aggregate_id, :event_type, :payload, :failure_reason, :created_at
		)`

	_, err = s.db.NamedExecContext(ctx, query, &OutboxEntry{
		ID:            event.ID.String(),
		Channel:       channel,
		AggregateID:   event.AggregateID.String(),
		EventType:     event.EventType,
		Payload:       payload,
		FailureReason: reason,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to park event in outbox")
	}

	return nil
}

// PendingOutbox returns undispatched entries, oldest first.
func (s *PostgresEventStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	query := `
		SELECT id, channel, aggregate_id, event_type, payload, failure_reason, created_at, dispatched_at
		FROM event_outbox
		WHERE dispatched_at IS NULL
		ORDER BY created_at
		LIMIT $1`

	var entries []*OutboxEntry
	if err := s.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, errors.Wrap(err, "failed to load pending outbox entries")
	}

	return entries, nil
}

// MarkDispatched settles an outbox entry after successful replay.
func (s *PostgresEventStore) MarkDispatched(ctx context.Context, id string) error {
	query := `UPDATE event_outbox SET dispatched_at = $1 WHERE id = $2 AND dispatched_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return errors.Wrap(err, "failed to mark outbox entry dispatched")
	}

	return nil
}

// AlreadyProcessed reports whether a handler has consumed an event
// before. Consumers check it up front so duplicates are acked without
// re-running the handler.
func (s *PostgresEventStore) AlreadyProcessed(ctx context.Context, eventID models.ID, handlerID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND handler_id = $2)`

	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, eventID.String(), handlerID); err != nil {
		return false, errors.Wrap(err, "failed to check processed event")
	}

	return exists, nil
}

// MarkProcessed records that a handler consumed an event. The second
// return is false when the event was already recorded, which is the
// consumer's signal to ack the duplicate without re-running the handler.
func (s *PostgresEventStore) MarkProcessed(ctx context.Context, eventID models.ID, handlerID string) (bool, error) {
	query := `
		INSERT INTO processed_events (event_id, handler_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, handler_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, eventID.String(), handlerID, time.Now())
	if err != nil {
		return false, errors.Wrap(err, "failed to record processed event")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read processed event result")
	}

	return affected == 1, nil
}
