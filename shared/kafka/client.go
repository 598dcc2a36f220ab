package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config holds Kafka connection and topic configuration.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID is the shared consumer group: each message reaches exactly one
	// group member, though rebalances can redeliver.
	GroupID        string
	BatchTimeout   time.Duration
	CommitInterval time.Duration
	MinBytes       int
	MaxBytes       int
	DialTimeout    time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// NewWriter builds a producer for the configured topic. The Hash balancer
// keys partition assignment off the message key, so publishing with the
// user id as key preserves per-user ordering.
func NewWriter(cfg *Config, logger *slog.Logger) *kafka.Writer {
	c := *cfg
	c.withDefaults()

	logger.Info("Kafka writer initialized",
		slog.Any("brokers", c.Brokers),
		slog.String("topic", c.Topic),
	)

	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        c.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: c.BatchTimeout,
		Async:        false,
	}
}

// NewReader builds one consumer-group reader. Each worker instance gets its
// own reader; the group id is shared so the broker spreads partitions across
// them.
func NewReader(cfg *Config, logger *slog.Logger) *kafka.Reader {
	c := *cfg
	c.withDefaults()

	logger.Info("Kafka reader initialized",
		slog.Any("brokers", c.Brokers),
		slog.String("topic", c.Topic),
		slog.String("group_id", c.GroupID),
	)

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		Topic:          c.Topic,
		GroupID:        c.GroupID,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		CommitInterval: c.CommitInterval,
	})
}

// Ping dials the first broker and asks for the broker list, verifying the
// cluster is reachable without producing anything.
func Ping(ctx context.Context, cfg *Config) error {
	c := *cfg
	c.withDefaults()

	if len(c.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()

	conn, err := kafka.DialContext(dialCtx, "tcp", c.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka broker %s: %w", c.Brokers[0], err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("list kafka brokers: %w", err)
	}
	return nil
}
