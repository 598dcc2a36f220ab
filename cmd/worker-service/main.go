package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kevinreber/pixel-studio-sub001/internal/config"
	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
	"github.com/kevinreber/pixel-studio-sub001/internal/ledger"
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
	"github.com/kevinreber/pixel-studio-sub001/internal/subscribe"
	"github.com/kevinreber/pixel-studio-sub001/internal/worker"
	"github.com/kevinreber/pixel-studio-sub001/shared/kafka"
	"github.com/kevinreber/pixel-studio-sub001/shared/logger"
	"github.com/kevinreber/pixel-studio-sub001/shared/postgresql"
	"github.com/kevinreber/pixel-studio-sub001/shared/rabbitmq"
	"github.com/kevinreber/pixel-studio-sub001/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableSource: cfg.Logging.EnableCaller,
	})

	workerID := cfg.Worker.WorkerID
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		workerID = hostname
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Status store. The claim protocol only settles duplicates across worker
	// instances when the store is shared, so memory is development-only.
	var (
		store       status.Store
		redisClient *redis.Client
	)
	if cfg.Status.Store == "memory" {
		appLogger.Warn("Using in-memory status store; claims are not shared across instances")
		store = status.NewMemoryStore(cfg.Status.TTL)
	} else {
		redisClient, err = redis.NewClient(&redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()
		store = status.NewRedisStore(redisClient.RDB(), cfg.Status.TTL, appLogger.Logger)
	}

	// Progress updates fan out through redis pub/sub to the API instances'
	// subscription hubs; without redis, polling mode picks them up from the
	// store.
	var broadcaster subscribe.Broadcaster = subscribe.NopBroadcaster{}
	if redisClient != nil {
		channel := cfg.Status.Channel
		if channel == "" {
			channel = subscribe.DefaultChannel
		}
		broadcaster = subscribe.NewRedisBroadcaster(redisClient.RDB(), channel, appLogger.Logger)
	}

	// Credit ledger for failure refunds.
	var creditLedger ledger.Ledger
	if cfg.Database.Host != "" {
		dbClient, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()
		creditLedger = ledger.NewPostgresLedger(dbClient.DB(), appLogger.Logger)
	} else {
		appLogger.Warn("No database configured, using in-memory credit ledger")
		creditLedger = ledger.NewMemoryLedger()
	}

	var invoker generate.Invoker = &generate.Stub{}
	if cfg.Generator.Mode == config.GeneratorModeHTTP {
		invoker = generate.NewClient(&generate.ClientConfig{
			BaseURL: cfg.Generator.BaseURL,
			APIKey:  cfg.Generator.APIKey,
			Timeout: cfg.Generator.Timeout,
		}, appLogger.Logger)
	}

	processor := worker.NewProcessor(store, broadcaster, invoker, creditLedger,
		worker.ProcessorConfig{
			WorkerID:      workerID,
			InvokeTimeout: cfg.Worker.InvokeTimeout,
			CostPerJob:    cfg.Queue.CostPerJob,
		}, appLogger.Logger)

	workerCfg := &worker.Config{
		Logger:      appLogger.Logger,
		Processor:   processor,
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
		Backend:     cfg.Queue.Backend,
	}

	var rabbitClient *rabbitmq.Client
	switch cfg.Queue.Backend {
	case config.BackendKafka:
		workerCfg.Kafka = &kafka.Config{
			Brokers:        cfg.Queue.Kafka.Brokers,
			Topic:          cfg.Queue.Kafka.Topic,
			GroupID:        cfg.Queue.Kafka.GroupID,
			BatchTimeout:   cfg.Queue.Kafka.BatchTimeout,
			CommitInterval: cfg.Queue.Kafka.CommitInterval,
			MinBytes:       cfg.Queue.Kafka.MinBytes,
			MaxBytes:       cfg.Queue.Kafka.MaxBytes,
			DialTimeout:    cfg.Queue.Kafka.DialTimeout,
		}
	case config.BackendAMQP:
		rabbitClient, err = rabbitmq.NewClient(&rabbitmq.Config{
			Host:              cfg.Queue.AMQP.Host,
			Port:              cfg.Queue.AMQP.Port,
			User:              cfg.Queue.AMQP.User,
			Password:          cfg.Queue.AMQP.Password,
			VHost:             cfg.Queue.AMQP.VHost,
			ExchangeName:      cfg.Queue.AMQP.ExchangeName,
			ExchangeType:      cfg.Queue.AMQP.ExchangeType,
			QueueName:         cfg.Queue.AMQP.QueueName,
			RoutingKey:        cfg.Queue.AMQP.RoutingKey,
			Durable:           cfg.Queue.AMQP.Durable,
			PrefetchCount:     cfg.Queue.AMQP.PrefetchCount,
			RetryAttempts:     cfg.Queue.AMQP.RetryAttempts,
			RetryInterval:     cfg.Queue.AMQP.RetryInterval,
			Heartbeat:         cfg.Queue.AMQP.Heartbeat,
			PublishRetries:    cfg.Queue.AMQP.PublishRetries,
			PublishRetryDelay: cfg.Queue.AMQP.PublishRetryDelay,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		workerCfg.RabbitClient = rabbitClient
	}

	w := worker.NewWorker(workerCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	appLogger.Info("Worker service is running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down worker...")

	// Bound the wait for in-flight jobs; anything cut off is redelivered or
	// ages out of the status store via TTL.
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	var timeout <-chan time.Time
	if cfg.Worker.ShutdownTimeout > 0 {
		timeout = time.After(cfg.Worker.ShutdownTimeout)
	}

	select {
	case <-done:
		appLogger.Info("Worker shutdown complete")
	case <-timeout:
		appLogger.Warn("Worker shutdown timed out, exiting with jobs in flight")
		cancel()
	}
	return nil
}
