package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "https://pixel.example", cfg.Server.PublicBaseURL)
				assert.Equal(t, BackendKafka, cfg.Queue.Backend)
				assert.Equal(t, []string{"localhost:9092"}, cfg.Queue.Kafka.Brokers)
				assert.Equal(t, "generation-jobs", cfg.Queue.Kafka.Topic)
				assert.Equal(t, "generation:updates", cfg.Status.Channel)
				assert.Equal(t, 30*time.Minute, cfg.Status.TTL)
				assert.Equal(t, StatusModeWebSocket, cfg.Status.Mode)
				assert.Equal(t, GeneratorModeStub, cfg.Generator.Mode)
				assert.Equal(t, 4, cfg.Worker.Concurrency)
				assert.Equal(t, "pixel-studio-api", cfg.App.Name)
			}
		})
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "env-db-secret")
	t.Setenv("QUEUE_SIGNING_KEY", "env-signing-secret")
	t.Setenv("GENERATION_API_KEY", "env-api-secret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "env-db-secret", cfg.Database.Password)
	assert.Equal(t, "env-signing-secret", cfg.Queue.Callback.SigningKey)
	assert.Equal(t, "env-api-secret", cfg.Generator.APIKey)
}

func validConfig() *Config {
	cfg, err := Load("testdata/valid_config.yaml")
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "unknown backend",
			mutate:    func(c *Config) { c.Queue.Backend = "carrier-pigeon" },
			errString: "invalid queue backend",
		},
		{
			name:      "callback without publish url",
			mutate:    func(c *Config) { c.Queue.Backend = BackendCallback; c.Queue.Callback.PublishURL = "" },
			errString: "publish_url is required",
		},
		{
			name:      "callback without signing key",
			mutate:    func(c *Config) { c.Queue.Backend = BackendCallback; c.Queue.Callback.SigningKey = "" },
			errString: "signing_key is required",
		},
		{
			name:      "kafka without brokers",
			mutate:    func(c *Config) { c.Queue.Kafka.Brokers = nil },
			errString: "kafka brokers are required",
		},
		{
			name:      "amqp without exchange",
			mutate:    func(c *Config) { c.Queue.Backend = BackendAMQP; c.Queue.AMQP.ExchangeName = "" },
			errString: "exchange_name is required",
		},
		{
			name:      "redis store without addr",
			mutate:    func(c *Config) { c.Redis.Addr = "" },
			errString: "redis addr is required",
		},
		{
			name:      "unknown status mode",
			mutate:    func(c *Config) { c.Status.Mode = "carrier-pigeon" },
			errString: "invalid status mode",
		},
		{
			name:   "local backend needs nothing",
			mutate: func(c *Config) { c.Queue.Backend = BackendLocal },
		},
		{
			name:   "memory store needs no redis",
			mutate: func(c *Config) { c.Status.Store = "memory"; c.Redis.Addr = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid kafka worker",
			mutate: func(*Config) {},
		},
		{
			name: "valid amqp worker",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendAMQP
			},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "callback backend has no consumer side",
			mutate:    func(c *Config) { c.Queue.Backend = BackendCallback },
			errString: "worker backend must be kafka or amqp",
		},
		{
			name: "http generator without base url",
			mutate: func(c *Config) {
				c.Generator.Mode = GeneratorModeHTTP
				c.Generator.APIKey = "secret"
			},
			errString: "base_url is required",
		},
		{
			name: "http generator without api key",
			mutate: func(c *Config) {
				c.Generator.Mode = GeneratorModeHTTP
				c.Generator.BaseURL = "https://models.example"
			},
			errString: "api_key is required",
		},
		{
			name: "http generator fully configured",
			mutate: func(c *Config) {
				c.Generator.Mode = GeneratorModeHTTP
				c.Generator.BaseURL = "https://models.example"
				c.Generator.APIKey = "secret"
			},
		},
		{
			name:      "unknown generator mode",
			mutate:    func(c *Config) { c.Generator.Mode = "quantum" },
			errString: "invalid generator mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
		})
	}
}
