package bootstrap

import (
	"context"
	"fmt"

	"courier/internal/instruction/overdue"
	instructionstore "courier/internal/instruction/store"
	"courier/internal/maintenance/cleanup"
	notificationhandler "courier/internal/notification/handler"
	notificationstore "courier/internal/notification/store"
	"courier/internal/outbox/dispatch"
	"courier/internal/outbox/ledger"
	"courier/internal/outbox/models"
	"courier/internal/outbox/relay"
	"courier/internal/outbox/worker"
	"courier/internal/platform/kafka/producer"
	"courier/internal/scanner"
)

const scannerLeaderKey = "courier:scanner:leader"

// Registry registers every consumer of outbox events. Database handlers are
// ledger-guarded. The Kafka relay is added when pub is non-nil. Every known
// event type must end up with at least one handler.
func (i *Infra) Registry(pub relay.Publisher) (*dispatch.Registry, error) {
	registry := dispatch.NewRegistry()

	notifications := notificationhandler.New(
		notificationstore.New(i.Pool.DB(), i.Pool.Dialect()),
		notificationhandler.WithMergeWindow(i.Config.Notification.MergeWindow),
		notificationhandler.WithLogger(i.Logger),
	)
	l := ledger.New(i.Events, ledger.WithLogger(i.Logger))
	if err := registry.Register(dispatch.Guarded(l, notifications), notifications.Types()...); err != nil {
		return nil, err
	}

	if pub != nil {
		if err := registry.Register(relay.New(pub, i.Config.Kafka.Topic), models.KnownTypes()...); err != nil {
			return nil, err
		}
	}

	if err := registry.Validate(models.KnownTypes()...); err != nil {
		return nil, fmt.Errorf("dispatch registry: %w", err)
	}
	return registry, nil
}

// Producer opens the Kafka producer, or returns nil when no brokers are set.
func (i *Infra) Producer() (*producer.Producer, error) {
	if !i.Config.Kafka.Enabled() {
		return nil, nil
	}
	return producer.New(producer.Config{
		Brokers:         i.Config.Kafka.Brokers,
		ClientID:        i.Config.Kafka.ClientID,
		Acks:            i.Config.Kafka.Acks,
		DeliveryTimeout: i.Config.Kafka.DeliveryTimeout,
	}, i.Logger)
}

// Poller builds the outbox poller over registry.
func (i *Infra) Poller(registry *dispatch.Registry) *worker.Worker {
	cfg := i.Config.Outbox
	return worker.New(i.Events, i.Runner, registry,
		worker.WithBatchSize(cfg.BatchSize),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithMaxRetry(cfg.MaxRetry),
		worker.WithBackoff(cfg.BaseDelay, cfg.BackoffCap),
		worker.WithTickTimeout(cfg.TickTimeout),
		worker.WithHandlerTimeout(cfg.HandlerTimeout),
		worker.WithMetrics(i.OutboxMetrics),
		worker.WithLogger(i.Logger),
		worker.WithTracer(i.Tracer),
	)
}

// Scanner builds the dedup scanner with the overdue rule. With Redis, ticks
// are serialised across processes by a leader lock.
func (i *Infra) Scanner() (*scanner.Scanner, error) {
	cfg := i.Config.Scanner
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rule := overdue.New(
		instructionstore.New(i.Pool.DB(), i.Pool.Dialect()),
		overdue.WithBatchSize(cfg.BatchSize),
		overdue.WithEscalateAfter(cfg.EscalateAfter),
	)

	opts := []scanner.Option{
		scanner.WithInterval(cfg.Interval),
		scanner.WithZone(loc),
		scanner.WithLogger(i.Logger),
		scanner.WithTracer(i.Tracer),
	}
	if i.Redis != nil {
		opts = append(opts, scanner.WithLeader(scanner.NewRedisLeader(i.Redis.Client, scannerLeaderKey, 2*cfg.Interval)))
	}
	return scanner.New(i.Runner, i.Writer(), []scanner.Rule{rule}, opts...)
}

// Cleanup builds the retention sweeper.
func (i *Infra) Cleanup() (*cleanup.Service, error) {
	return cleanup.New(i.Records, i.Events,
		cleanup.WithInterval(i.Config.Cleanup.Interval),
		cleanup.WithDoneRetention(i.Config.Outbox.DoneRetention),
		cleanup.WithLogger(i.Logger),
	)
}

// Drain runs poller ticks until one claims nothing or ctx ends.
func Drain(ctx context.Context, w *worker.Worker) (int, error) {
	total := 0
	for {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
