package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/kevinreber/pixel-studio-sub001/internal/api/handler"
	"github.com/kevinreber/pixel-studio-sub001/internal/api/router"
	"github.com/kevinreber/pixel-studio-sub001/internal/config"
	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
	"github.com/kevinreber/pixel-studio-sub001/internal/ledger"
	"github.com/kevinreber/pixel-studio-sub001/internal/queue"
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
	"github.com/kevinreber/pixel-studio-sub001/internal/subscribe"
	"github.com/kevinreber/pixel-studio-sub001/internal/worker"
	"github.com/kevinreber/pixel-studio-sub001/shared/kafka"
	"github.com/kevinreber/pixel-studio-sub001/shared/logger"
	"github.com/kevinreber/pixel-studio-sub001/shared/postgresql"
	"github.com/kevinreber/pixel-studio-sub001/shared/rabbitmq"
	"github.com/kevinreber/pixel-studio-sub001/shared/redis"
)

const devStartingCredits = 100

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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableSource: cfg.Logging.EnableCaller,
	})

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	// Background context for the hub and pub/sub feed; cancelled at shutdown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Status store: redis shared across instances, memory for single-node
	// development.
	var (
		store       status.Store
		redisClient *redis.Client
		storePing   func(ctx context.Context) error
	)
	if cfg.Status.Store == "memory" {
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
		storePing = redisClient.HealthCheck
	}

	polling := cfg.Status.Mode == config.StatusModePolling

	hub := subscribe.NewHub(subscribe.HubConfig{
		Store:          store,
		Logger:         appLogger.Logger,
		Polling:        polling,
		PollInterval:   cfg.Status.PollInterval,
		GracePeriod:    cfg.Status.GracePeriod,
		TerminalLinger: cfg.Status.TerminalLinger,
	})
	if polling {
		go func() {
			if err := hub.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				appLogger.Error("Hub polling loop stopped", slog.Any("error", err))
			}
		}()
	}

	channel := cfg.Status.Channel
	if channel == "" {
		channel = subscribe.DefaultChannel
	}

	// Broadcaster for updates written in this process (callback and local
	// backends). With redis the update fans out to every instance's hub;
	// without it, to the in-process hub only.
	var broadcaster subscribe.Broadcaster
	switch {
	case polling:
		broadcaster = subscribe.NopBroadcaster{}
	case redisClient != nil:
		broadcaster = subscribe.NewRedisBroadcaster(redisClient.RDB(), channel, appLogger.Logger)
	default:
		broadcaster = subscribe.NewHubBroadcaster(hub)
	}

	if redisClient != nil && !polling {
		feed := subscribe.NewRedisFeed(redisClient.RDB(), channel, appLogger.Logger)
		go func() {
			if err := feed.Run(bgCtx, hub); err != nil && bgCtx.Err() == nil {
				appLogger.Error("Status feed stopped", slog.Any("error", err))
			}
		}()
	}

	// Credit ledger: postgres when configured, in-memory for development.
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
		memLedger := ledger.NewMemoryLedger()
		memLedger.SetDefaultBalance(devStartingCredits)
		creditLedger = memLedger
	}

	// The callback and local backends execute jobs inside this process, so
	// they need a processor; kafka and amqp deliveries go to the worker
	// service instead.
	var processor *worker.Processor
	if cfg.Queue.Backend == config.BackendCallback || cfg.Queue.Backend == config.BackendLocal {
		processor = worker.NewProcessor(store, broadcaster, newInvoker(cfg, appLogger.Logger), creditLedger,
			worker.ProcessorConfig{
				WorkerID:      apiWorkerID(),
				InvokeTimeout: cfg.Worker.InvokeTimeout,
				CostPerJob:    cfg.Queue.CostPerJob,
			}, appLogger.Logger)
	}

	dispatcher, cleanup, err := newDispatcher(cfg, processor, appLogger.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	service := queue.NewService(store, dispatcher, creditLedger, queue.ServiceConfig{
		ProcessingURLBase: cfg.Server.PublicBaseURL + "/processing",
		CostPerJob:        cfg.Queue.CostPerJob,
	}, appLogger.Logger)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:      appLogger.Logger,
		Service:     service,
		Store:       store,
		Hub:         hub,
		Processor:   asJobHandler(processor),
		SigningKey:  cfg.Queue.Callback.SigningKey,
		StorePing:   storePing,
		ServiceName: cfg.App.Name,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// newDispatcher builds the configured queue backend. The returned cleanup
// closes any connection the dispatcher owns.
func newDispatcher(cfg *config.Config, processor *worker.Processor, log *slog.Logger) (queue.Dispatcher, func(), error) {
	noop := func() {}

	switch cfg.Queue.Backend {
	case config.BackendCallback:
		return queue.NewCallbackDispatcher(queue.CallbackConfig{
			PublishURL:  cfg.Queue.Callback.PublishURL,
			CallbackURL: cfg.Server.PublicBaseURL + "/api/v1/queue/callback",
			SigningKey:  cfg.Queue.Callback.SigningKey,
			MaxRetries:  cfg.Queue.Callback.MaxRetries,
			Timeout:     cfg.Queue.Callback.Timeout,
		}, log), noop, nil

	case config.BackendKafka:
		d := queue.NewKafkaDispatcher(kafkaConfig(cfg), log)
		return d, func() { d.Close() }, nil

	case config.BackendAMQP:
		client, err := rabbitmq.NewClient(amqpConfig(cfg), log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		return queue.NewAMQPDispatcher(client, log), func() { client.Close() }, nil

	case config.BackendLocal:
		return queue.NewLocalDispatcher(processor, log), noop, nil

	default:
		return nil, nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

// newInvoker selects the model client for in-process job execution.
func newInvoker(cfg *config.Config, log *slog.Logger) generate.Invoker {
	if cfg.Generator.Mode == config.GeneratorModeHTTP {
		return generate.NewClient(&generate.ClientConfig{
			BaseURL: cfg.Generator.BaseURL,
			APIKey:  cfg.Generator.APIKey,
			Timeout: cfg.Generator.Timeout,
		}, log)
	}
	return &generate.Stub{}
}

// asJobHandler avoids handing the router a non-nil interface wrapping a nil
// processor.
func asJobHandler(p *worker.Processor) queue.JobHandler {
	if p == nil {
		return nil
	}
	return p
}

func apiWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "api"
	}
	return hostname + "-api"
}

func kafkaConfig(cfg *config.Config) *kafka.Config {
	return &kafka.Config{
		Brokers:        cfg.Queue.Kafka.Brokers,
		Topic:          cfg.Queue.Kafka.Topic,
		GroupID:        cfg.Queue.Kafka.GroupID,
		BatchTimeout:   cfg.Queue.Kafka.BatchTimeout,
		CommitInterval: cfg.Queue.Kafka.CommitInterval,
		MinBytes:       cfg.Queue.Kafka.MinBytes,
		MaxBytes:       cfg.Queue.Kafka.MaxBytes,
		DialTimeout:    cfg.Queue.Kafka.DialTimeout,
	}
}

func amqpConfig(cfg *config.Config) *rabbitmq.Config {
	return &rabbitmq.Config{
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
	}
}
