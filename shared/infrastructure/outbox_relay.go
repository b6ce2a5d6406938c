package infrastructure

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oficina99/service-order-system/shared/events"
	"github.com/oficina99/service-order-system/shared/telemetry"
)

// OutboxRelay periodically replays parked events to their channels.
// Replay goes through the plain channel publisher, not the resilient
// wrapper: an entry that fails again simply stays parked for the next
// sweep.
type OutboxRelay struct {
	store      *PostgresEventStore
	publishers map[string]events.Publisher
	interval   time.Duration
	batchSize  int
	logger     zerolog.Logger

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewOutboxRelay creates a relay. The publishers map is keyed by channel.
func NewOutboxRelay(
	store *PostgresEventStore,
	publishers map[string]events.Publisher,
	interval time.Duration,
	batchSize int,
	logger zerolog.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		store:      store,
		publishers: publishers,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Start launches the sweep loop.
func (r *OutboxRelay) Start(ctx context.Context) error {
	if r.running.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()

	return nil
}

// Stop cancels the sweep loop and waits for an in-flight sweep.
func (r *OutboxRelay) Stop(_ context.Context) error {
	if !r.running.Load() {
		return nil
	}

	r.cancel()
	r.wg.Wait()
	r.running.Store(false)

	return nil
}

func (r *OutboxRelay) sweep(ctx context.Context) {
	entries, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to load outbox entries")
		return
	}

	for _, entry := range entries {
		publisher, ok := r.publishers[entry.Channel]
		if !ok {
			r.logger.Error().
				Str("channel", entry.Channel).
				Str("outbox_id", entry.ID).
				Msg("no publisher for outbox channel")
			continue
		}

		event, err := entry.Event()
		if err != nil {
			r.logger.Error().Err(err).
				Str("outbox_id", entry.ID).
				Msg("unreadable outbox payload")
			continue
		}

		if err := publisher.Publish(ctx, event); err != nil {
			r.logger.Warn().Err(err).
				Str("outbox_id", entry.ID).
				Str("channel", entry.Channel).
				Msg("outbox replay failed, will retry next sweep")
			continue
		}

		if err := r.store.MarkDispatched(ctx, entry.ID); err != nil {
			r.logger.Error().Err(err).
				Str("outbox_id", entry.ID).
				Msg("failed to settle outbox entry")
			continue
		}

		telemetry.RecordCounter(ctx, "saga_outbox_replayed_total", "parked events redelivered", 1,
			attribute.String("channel", entry.Channel),
		)
	}
}
