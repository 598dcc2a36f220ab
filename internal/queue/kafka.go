package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kevinreber/pixel-studio-sub001/shared/kafka"
)

// KafkaDispatcher publishes jobs to a partitioned log topic. Messages are
// keyed by user id, so one user's jobs land on one partition in order; a
// consumer group of workers drains the topic. Suited for high throughput.
type KafkaDispatcher struct {
	cfg    *kafka.Config
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewKafkaDispatcher creates the log backend producer.
func NewKafkaDispatcher(cfg *kafka.Config, logger *slog.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{
		cfg:    cfg,
		writer: kafka.NewWriter(cfg, logger),
		logger: logger,
	}
}

func (d *KafkaDispatcher) Name() string { return "kafka" }

func (d *KafkaDispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	err = d.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(env.UserID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write job to topic %s: %w", d.cfg.Topic, err)
	}

	d.logger.Debug("Job written to log topic",
		slog.String("request_id", env.RequestID),
		slog.String("partition_key", env.UserID),
	)
	return nil
}

func (d *KafkaDispatcher) HealthCheck(ctx context.Context) Health {
	if err := kafka.Ping(ctx, d.cfg); err != nil {
		return Health{Backend: d.Name(), Healthy: false, Detail: err.Error()}
	}
	return Health{Backend: d.Name(), Healthy: true, Detail: "broker reachable"}
}

// Close flushes and closes the producer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

var _ Dispatcher = (*KafkaDispatcher)(nil)
