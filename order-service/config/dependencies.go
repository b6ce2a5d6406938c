package config

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/oficina99/service-order-system/order-service/application"
	"github.com/oficina99/service-order-system/order-service/handlers"
	"github.com/oficina99/service-order-system/order-service/infrastructure"
	"github.com/oficina99/service-order-system/shared/events"
	sharedinfra "github.com/oficina99/service-order-system/shared/infrastructure"
	"github.com/oficina99/service-order-system/shared/resilience"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Repositories and stores
	OrderRepository *infrastructure.PostgresOrderRepository
	EventStore      *sharedinfra.PostgresEventStore

	// Use Cases
	CreateOrder                *application.CreateOrder
	GetOrder                   *application.GetOrder
	ListOrders                 *application.ListOrders
	UpdateOrderStatus          *application.UpdateOrderStatus
	SetOrderTotal              *application.SetOrderTotal
	CancelOrder                *application.CancelOrder
	DeleteOrder                *application.DeleteOrder
	ProcessBudgetApproval      *application.ProcessBudgetApproval
	ProcessBudgetRejection     *application.ProcessBudgetRejection
	ProcessExecutionCompletion *application.ProcessExecutionCompletion
	ProcessExecutionFailure    *application.ProcessExecutionFailure

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Event Handlers
	BillingEventHandler   *handlers.BillingEventHandler
	ExecutionEventHandler *handlers.ExecutionEventHandler

	// Infrastructure
	OrderPublisher *resilience.ResilientPublisher
	Subscribers    []events.Subscriber
	OutboxRelay    *sharedinfra.OutboxRelay

	kafkaWriters []*kafka.Writer
}

func BuildDependencies(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize database
	db, err := sqlx.Connect("postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	// Initialize repositories and delivery bookkeeping
	deps.OrderRepository = infrastructure.NewPostgresOrderRepository(db)
	deps.EventStore = sharedinfra.NewPostgresEventStore(db)

	// Initialize use cases against the resilient publisher; the event
	// handlers are built by the transport wiring below once the inbound
	// side exists.
	if err := deps.buildMessaging(ctx, cfg, logger); err != nil {
		deps.Close()
		return nil, err
	}

	deps.CreateOrder = application.NewCreateOrder(deps.OrderRepository, deps.OrderPublisher)
	deps.GetOrder = application.NewGetOrder(deps.OrderRepository)
	deps.ListOrders = application.NewListOrders(deps.OrderRepository)
	deps.UpdateOrderStatus = application.NewUpdateOrderStatus(deps.OrderRepository, deps.OrderPublisher)
	deps.SetOrderTotal = application.NewSetOrderTotal(deps.OrderRepository)
	deps.CancelOrder = application.NewCancelOrder(deps.OrderRepository, deps.OrderPublisher)
	deps.DeleteOrder = application.NewDeleteOrder(deps.OrderRepository)
	deps.ProcessBudgetApproval = application.NewProcessBudgetApproval(deps.OrderRepository, deps.OrderPublisher)
	deps.ProcessBudgetRejection = application.NewProcessBudgetRejection(deps.OrderRepository)
	deps.ProcessExecutionCompletion = application.NewProcessExecutionCompletion(deps.OrderRepository, deps.OrderPublisher)
	deps.ProcessExecutionFailure = application.NewProcessExecutionFailure(deps.OrderRepository, deps.OrderPublisher)

	deps.BillingEventHandler = handlers.NewBillingEventHandler(
		deps.ProcessBudgetApproval,
		deps.ProcessBudgetRejection,
		deps.EventStore,
		logger,
	)
	deps.ExecutionEventHandler = handlers.NewExecutionEventHandler(
		deps.ProcessExecutionCompletion,
		deps.ProcessExecutionFailure,
		deps.EventStore,
		logger,
	)

	deps.OrderHandlers = handlers.NewOrderHandlers(
		deps.CreateOrder,
		deps.GetOrder,
		deps.ListOrders,
		deps.UpdateOrderStatus,
		deps.SetOrderTotal,
		deps.CancelOrder,
		deps.DeleteOrder,
		logger,
	)

	if err := deps.buildSubscribers(ctx, cfg, logger); err != nil {
		deps.Close()
		return nil, err
	}

	return deps, nil
}

// buildMessaging wires the outbound side: the channel publisher for the
// configured transport, wrapped in the resilience policy, plus the
// outbox relay that replays parked events.
func (d *Dependencies) buildMessaging(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	var orderPublisher events.Publisher

	switch cfg.Transport {
	case TransportKafka:
		writer := sharedinfra.NewKafkaWriter(cfg.Kafka.Brokers, events.OrderEventsChannel)
		d.kafkaWriters = append(d.kafkaWriters, writer)
		orderPublisher = sharedinfra.NewKafkaEventPublisher(writer)

	case TransportSQS:
		snsClient, err := sharedinfra.NewSNSClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create SNS client: %w", err)
		}
		orderPublisher = sharedinfra.NewSNSEventPublisher(snsClient, cfg.AWS.OrderTopicArn)

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	d.OrderPublisher = resilience.NewResilientPublisher(
		events.OrderEventsChannel,
		orderPublisher,
		logger,
		resilience.WithOutbox(d.EventStore),
	)

	d.OutboxRelay = sharedinfra.NewOutboxRelay(
		d.EventStore,
		map[string]events.Publisher{events.OrderEventsChannel: orderPublisher},
		cfg.Outbox.SweepInterval,
		cfg.Outbox.BatchSize,
		logger,
	)

	return nil
}

// buildSubscribers wires the inbound side: one subscriber per saga
// channel, feeding the corresponding event handler.
func (d *Dependencies) buildSubscribers(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	switch cfg.Transport {
	case TransportKafka:
		channels := []struct {
			name    string
			handler sharedinfra.EventHandler
		}{
			{events.BillingEventsChannel, d.BillingEventHandler},
			{events.ExecutionEventsChannel, d.ExecutionEventHandler},
		}

		for _, ch := range channels {
			reader := sharedinfra.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, ch.name)
			dlt := sharedinfra.NewKafkaWriter(cfg.Kafka.Brokers, events.DeadLetterChannel(ch.name))
			d.kafkaWriters = append(d.kafkaWriters, dlt)
			d.Subscribers = append(d.Subscribers,
				sharedinfra.NewKafkaEventSubscriber(reader, dlt, ch.handler, logger))
		}

	case TransportSQS:
		sqsClient, err := sharedinfra.NewSQSClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create SQS client: %w", err)
		}
		d.Subscribers = append(d.Subscribers,
			sharedinfra.NewSQSEventSubscriber(sqsClient, cfg.AWS.BillingQueueURL, d.BillingEventHandler, logger,
				sharedinfra.WithDeadLetterQueue(cfg.AWS.BillingDLQURL)),
			sharedinfra.NewSQSEventSubscriber(sqsClient, cfg.AWS.ExecutionQueueURL, d.ExecutionEventHandler, logger,
				sharedinfra.WithDeadLetterQueue(cfg.AWS.ExecutionDLQURL)),
		)

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	return nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	for _, writer := range d.kafkaWriters {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
