package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kevinreber/pixel-studio-sub001/shared/rabbitmq"
)

// AMQPDispatcher publishes jobs to a durable RabbitMQ queue. At-least-once
// like the other brokers, but with no per-user ordering guarantee; a middle
// option between the callback service and the partitioned log.
type AMQPDispatcher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewAMQPDispatcher wraps an already-connected RabbitMQ client.
func NewAMQPDispatcher(client *rabbitmq.Client, logger *slog.Logger) *AMQPDispatcher {
	return &AMQPDispatcher{client: client, logger: logger}
}

func (d *AMQPDispatcher) Name() string { return "amqp" }

func (d *AMQPDispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	if err := d.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("publish job to amqp: %w", err)
	}

	d.logger.Debug("Job published to amqp",
		slog.String("request_id", env.RequestID),
	)
	return nil
}

func (d *AMQPDispatcher) HealthCheck(ctx context.Context) Health {
	if !d.client.IsConnected() {
		return Health{Backend: d.Name(), Healthy: false, Detail: "amqp connection is down"}
	}
	return Health{Backend: d.Name(), Healthy: true, Detail: "amqp connection open"}
}

var _ Dispatcher = (*AMQPDispatcher)(nil)
