package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/kevinreber/pixel-studio-sub001/internal/queue"
	"github.com/kevinreber/pixel-studio-sub001/shared/kafka"
)

const fetchBackoff = time.Second

// startKafkaConsumers spawns one consumer-group reader per worker instance.
// The broker assigns partitions across the group, so each message reaches
// one instance; rebalance redeliveries are settled by the claim protocol.
func (w *Worker) startKafkaConsumers(ctx context.Context) error {
	for i := 0; i < w.concurrency; i++ {
		reader := kafka.NewReader(w.kafkaCfg, w.logger)

		w.wg.Add(1)
		go w.kafkaLoop(ctx, reader, w.workerName(i))
	}

	w.logger.Info("Kafka consumer pool started",
		slog.Int("consumers", w.concurrency),
		slog.String("group_id", w.kafkaCfg.GroupID),
	)
	return nil
}

func (w *Worker) kafkaLoop(ctx context.Context, reader *kafkago.Reader, name string) {
	defer w.wg.Done()
	defer reader.Close()

	// Close the reader when stop is requested so FetchMessage unblocks.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	w.logger.Info("Consumer loop started",
		slog.String("worker_name", name),
	)

	for {
		msg, err := reader.FetchMessage(loopCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				w.logger.Info("Consumer loop stopping",
					slog.String("worker_name", name),
				)
				return
			}
			w.logger.Error("Failed to fetch message",
				slog.String("worker_name", name),
				slog.Any("error", err),
			)
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}

		env, err := decodeEnvelope(msg.Value)
		if err != nil {
			// Malformed messages can never succeed; commit and move on.
			w.logger.Error("Dropping malformed job message",
				slog.String("worker_name", name),
				slog.Any("error", err),
			)
			w.commit(loopCtx, reader, name, msg)
			continue
		}

		// Committing any later offset on the partition would implicitly
		// commit this one too, so the loop never fetches past an unsettled
		// job; it retries it in place until the outcome is recorded.
		if !w.settle(loopCtx, env, name) {
			return
		}

		w.commit(loopCtx, reader, name, msg)
	}
}

// settle runs a job until the processor records a terminal outcome, retrying
// with backoff. It returns false only when ctx is canceled first, leaving
// the job unsettled for another consumer.
func (w *Worker) settle(ctx context.Context, env *queue.Envelope, name string) bool {
	for {
		err := w.processor.Process(ctx, env)
		if err == nil {
			return true
		}
		w.logger.Error("Job processing unsettled, retrying",
			slog.String("worker_name", name),
			slog.String("request_id", env.RequestID),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.retryBackoff):
		}
	}
}

func (w *Worker) commit(ctx context.Context, reader *kafkago.Reader, name string, msg kafkago.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		w.logger.Error("Failed to commit offset",
			slog.String("worker_name", name),
			slog.Any("error", err),
		)
	}
}

// startAMQPConsumers starts one delivery dispatcher feeding a pool of worker
// goroutines, each acking or nacking based on the processing outcome.
func (w *Worker) startAMQPConsumers(ctx context.Context) error {
	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	jobsChan := make(chan amqp.Delivery)

	w.wg.Add(1)
	go w.dispatchAMQP(ctx, deliveries, jobsChan)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.amqpLoop(ctx, jobsChan, w.workerName(i))
	}

	w.logger.Info("AMQP consumer pool started",
		slog.Int("consumers", w.concurrency),
	)
	return nil
}

// dispatchAMQP fans broker deliveries into the worker pool.
func (w *Worker) dispatchAMQP(ctx context.Context, deliveries <-chan amqp.Delivery, jobsChan chan<- amqp.Delivery) {
	defer w.wg.Done()
	defer close(jobsChan)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("AMQP delivery channel closed")
				return
			}
			select {
			case jobsChan <- delivery:
			case <-w.stopChan:
				// Requeue so another consumer picks it up.
				if err := delivery.Nack(false, true); err != nil {
					w.logger.Error("Failed to requeue delivery on shutdown",
						slog.Any("error", err),
					)
				}
				return
			case <-ctx.Done():
				if err := delivery.Nack(false, true); err != nil {
					w.logger.Error("Failed to requeue delivery on shutdown",
						slog.Any("error", err),
					)
				}
				return
			}
		}
	}
}

func (w *Worker) amqpLoop(ctx context.Context, jobsChan <-chan amqp.Delivery, name string) {
	defer w.wg.Done()

	w.logger.Info("Consumer loop started",
		slog.String("worker_name", name),
	)

	for delivery := range jobsChan {
		env, err := decodeEnvelope(delivery.Body)
		if err != nil {
			w.logger.Error("Dropping malformed job message",
				slog.String("worker_name", name),
				slog.Any("error", err),
			)
			if nackErr := delivery.Nack(false, false); nackErr != nil {
				w.logger.Error("Failed to NACK malformed message",
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		if err := w.processor.Process(ctx, env); err != nil {
			w.logger.Error("Job processing unsettled, requeueing",
				slog.String("worker_name", name),
				slog.String("request_id", env.RequestID),
				slog.Any("error", err),
			)
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		if ackErr := delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", name),
				slog.String("request_id", env.RequestID),
				slog.Any("error", ackErr),
			)
		}
	}

	w.logger.Info("Consumer loop stopping",
		slog.String("worker_name", name),
	)
}

// decodeEnvelope parses and validates a job message body.
func decodeEnvelope(body []byte) (*queue.Envelope, error) {
	var env queue.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse job envelope: %w", err)
	}
	if env.RequestID == "" {
		return nil, errors.New("job envelope missing request id")
	}
	if env.UserID == "" {
		return nil, errors.New("job envelope missing user id")
	}
	return &env, nil
}
