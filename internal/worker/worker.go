package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kevinreber/pixel-studio-sub001/internal/queue"
	"github.com/kevinreber/pixel-studio-sub001/shared/kafka"
	"github.com/kevinreber/pixel-studio-sub001/shared/rabbitmq"
)

// Backend names accepted by the worker service.
const (
	BackendKafka = "kafka"
	BackendAMQP  = "amqp"
)

// Config holds worker configuration.
type Config struct {
	Logger      *slog.Logger
	Processor   queue.JobHandler
	WorkerID    string
	Concurrency int

	// Exactly one of the following is used, per the configured backend.
	Backend      string
	Kafka        *kafka.Config
	RabbitClient *rabbitmq.Client
}

// Worker consumes queued generation jobs from the configured broker and runs
// them through the processor. Each of the N instances owns its own consumer
// connection; they coordinate only through the status store's atomic claim.
type Worker struct {
	logger       *slog.Logger
	processor    queue.JobHandler
	workerID     string
	concurrency  int
	backend      string
	kafkaCfg     *kafka.Config
	rabbitClient *rabbitmq.Client
	retryBackoff time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a worker instance.
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		logger:       cfg.Logger,
		processor:    cfg.Processor,
		workerID:     cfg.WorkerID,
		concurrency:  concurrency,
		backend:      cfg.Backend,
		kafkaCfg:     cfg.Kafka,
		rabbitClient: cfg.RabbitClient,
		retryBackoff: fetchBackoff,
	}
}

// Start begins consuming jobs. It returns once the consumer loops are
// running; they stop when ctx is canceled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.stopChan = make(chan struct{})

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("backend", w.backend),
		slog.Int("concurrency", w.concurrency),
	)

	switch w.backend {
	case BackendKafka:
		return w.startKafkaConsumers(ctx)
	case BackendAMQP:
		return w.startAMQPConsumers(ctx)
	default:
		return fmt.Errorf("unsupported worker backend %q", w.backend)
	}
}

// Stop gracefully stops the worker, letting in-flight jobs finish. A claimed
// job that still dies with the process simply ages out of the status store
// via TTL.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) workerName(n int) string {
	return fmt.Sprintf("%s-%d", w.workerID, n)
}
