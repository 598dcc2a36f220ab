package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backend names accepted in queue.backend.
const (
	BackendCallback = "callback"
	BackendKafka    = "kafka"
	BackendAMQP     = "amqp"
	BackendLocal    = "local"
)

// Status delivery modes accepted in status.mode.
const (
	StatusModeWebSocket = "websocket"
	StatusModePolling   = "polling"
)

// Generator modes accepted in generator.mode.
const (
	GeneratorModeHTTP = "http"
	GeneratorModeStub = "stub"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Status    StatusConfig    `yaml:"status"`
	Generator GeneratorConfig `yaml:"generator"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// PublicBaseURL is the externally visible origin, used to build the
	// processing URL returned on enqueue and the callback URL handed to the
	// delivery service.
	PublicBaseURL string `yaml:"public_base_url"`
}

// DatabaseConfig holds PostgreSQL connection configuration for the credit
// ledger.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds the status store and pub/sub connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// QueueConfig selects and configures the queue backend.
type QueueConfig struct {
	// Backend is one of callback, kafka, amqp, local. The choice is fixed at
	// startup; nothing switches backends at runtime.
	Backend    string         `yaml:"backend"`
	CostPerJob int            `yaml:"cost_per_job"`
	Callback   CallbackConfig `yaml:"callback"`
	Kafka      KafkaConfig    `yaml:"kafka"`
	AMQP       AMQPConfig     `yaml:"amqp"`
}

// CallbackConfig holds the managed delivery service settings for the
// HTTP-callback backend.
type CallbackConfig struct {
	PublishURL string        `yaml:"publish_url"`
	SigningKey string        `yaml:"signing_key"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// KafkaConfig holds Kafka broker and consumer-group settings.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// AMQPConfig holds RabbitMQ connection and topology settings.
type AMQPConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	ExchangeName      string        `yaml:"exchange_name"`
	ExchangeType      string        `yaml:"exchange_type"`
	QueueName         string        `yaml:"queue_name"`
	RoutingKey        string        `yaml:"routing_key"`
	Durable           bool          `yaml:"durable"`
	PrefetchCount     int           `yaml:"prefetch_count"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	PublishRetries    int           `yaml:"publish_retries"`
	PublishRetryDelay time.Duration `yaml:"publish_retry_delay"`
}

// StatusConfig holds status store and subscription settings.
type StatusConfig struct {
	// Store is redis or memory. Memory only works single-instance.
	Store string `yaml:"store"`
	// Mode is websocket or polling.
	Mode           string        `yaml:"mode"`
	TTL            time.Duration `yaml:"ttl"`
	Channel        string        `yaml:"channel"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	TerminalLinger time.Duration `yaml:"terminal_linger"`
}

// GeneratorConfig selects the model invoker.
type GeneratorConfig struct {
	// Mode is http (real model API) or stub (local development).
	Mode    string        `yaml:"mode"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	// WorkerID identifies this instance in claim records; defaults to the
	// hostname when empty.
	WorkerID        string        `yaml:"worker_id"`
	Concurrency     int           `yaml:"concurrency"`
	InvokeTimeout   time.Duration `yaml:"invoke_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file, then applies secret
// overrides from the environment.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	return &config, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the
// checked-in YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.Queue.AMQP.Password = v
	}
	if v := os.Getenv("QUEUE_SIGNING_KEY"); v != "" {
		c.Queue.Callback.SigningKey = v
	}
	if v := os.Getenv("GENERATION_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
}

// ValidateAPIConfig checks the fields the API service needs.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Database.Host != "" && (c.Database.Port < MinPort || c.Database.Port > MaxPort) {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	switch c.Status.Mode {
	case "", StatusModeWebSocket, StatusModePolling:
	default:
		return fmt.Errorf("invalid status mode: %q (must be websocket or polling)", c.Status.Mode)
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker service needs.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	switch c.Queue.Backend {
	case BackendKafka, BackendAMQP:
	default:
		return fmt.Errorf("worker backend must be kafka or amqp, got %q", c.Queue.Backend)
	}

	switch c.Generator.Mode {
	case "", GeneratorModeStub:
	case GeneratorModeHTTP:
		if c.Generator.BaseURL == "" {
			return fmt.Errorf("generator base_url is required in http mode")
		}
		if c.Generator.APIKey == "" {
			return fmt.Errorf("generator api_key is required in http mode")
		}
	default:
		return fmt.Errorf("invalid generator mode: %q (must be http or stub)", c.Generator.Mode)
	}

	return nil
}

// validateShared checks fields both services depend on.
func (c *Config) validateShared() error {
	switch c.Queue.Backend {
	case BackendCallback:
		if c.Queue.Callback.PublishURL == "" {
			return fmt.Errorf("queue callback publish_url is required")
		}
		if c.Queue.Callback.SigningKey == "" {
			return fmt.Errorf("queue callback signing_key is required")
		}
	case BackendKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue kafka brokers are required")
		}
		if c.Queue.Kafka.Topic == "" {
			return fmt.Errorf("queue kafka topic is required")
		}
	case BackendAMQP:
		if c.Queue.AMQP.Host == "" {
			return fmt.Errorf("queue amqp host is required")
		}
		if c.Queue.AMQP.Port < MinPort || c.Queue.AMQP.Port > MaxPort {
			return fmt.Errorf("invalid amqp port: %d (must be between %d and %d)", c.Queue.AMQP.Port, MinPort, MaxPort)
		}
		if c.Queue.AMQP.ExchangeName == "" {
			return fmt.Errorf("queue amqp exchange_name is required")
		}
		if c.Queue.AMQP.QueueName == "" {
			return fmt.Errorf("queue amqp queue_name is required")
		}
	case BackendLocal:
	default:
		return fmt.Errorf("invalid queue backend: %q (must be callback, kafka, amqp or local)", c.Queue.Backend)
	}

	switch c.Status.Store {
	case "", "redis":
		if c.Status.Store == "redis" && c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis status store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid status store: %q (must be redis or memory)", c.Status.Store)
	}

	return nil
}
