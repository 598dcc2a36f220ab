package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	// callbackURLHeader tells the delivery service where to POST the job.
	callbackURLHeader = "X-Callback-Url"
	// callbackRetriesHeader bounds the service's redelivery attempts.
	callbackRetriesHeader = "X-Callback-Retries"

	defaultCallbackRetries = 3
	defaultPublishTimeout  = 10 * time.Second
)

// CallbackConfig configures the HTTP-callback backend.
type CallbackConfig struct {
	// PublishURL is the managed delivery service's publish endpoint.
	PublishURL string
	// CallbackURL is our processing endpoint the service invokes later.
	CallbackURL string
	// SigningKey is the shared HMAC key the service signs callbacks with.
	SigningKey string
	// MaxRetries bounds redelivery attempts (backpressure valve for this
	// backend).
	MaxRetries int
	Timeout    time.Duration
}

// CallbackDispatcher publishes jobs to a managed at-least-once delivery
// service that later POSTs the payload back to the processing endpoint.
// Suited for low and medium volume; no cross-job ordering guarantee.
type CallbackDispatcher struct {
	cfg    CallbackConfig
	http   *http.Client
	logger *slog.Logger
}

// NewCallbackDispatcher creates the callback backend.
func NewCallbackDispatcher(cfg CallbackConfig, logger *slog.Logger) *CallbackDispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultCallbackRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &CallbackDispatcher{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (d *CallbackDispatcher) Name() string { return "callback" }

func (d *CallbackDispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.PublishURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(callbackURLHeader, d.cfg.CallbackURL)
	req.Header.Set(callbackRetriesHeader, strconv.Itoa(d.cfg.MaxRetries))
	req.Header.Set(SignatureHeader, Sign(d.cfg.SigningKey, body))

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("publish to delivery service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("delivery service rejected publish: status %d: %s", resp.StatusCode, detail)
	}

	d.logger.Debug("Job published to delivery service",
		slog.String("request_id", env.RequestID),
		slog.Int("max_retries", d.cfg.MaxRetries),
	)
	return nil
}

func (d *CallbackDispatcher) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.cfg.PublishURL, nil)
	if err != nil {
		return Health{Backend: d.Name(), Healthy: false, Detail: err.Error()}
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return Health{Backend: d.Name(), Healthy: false, Detail: err.Error()}
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Health{
			Backend: d.Name(),
			Healthy: false,
			Detail:  fmt.Sprintf("delivery service returned status %d", resp.StatusCode),
		}
	}
	return Health{Backend: d.Name(), Healthy: true, Detail: "delivery service reachable"}
}

var _ Dispatcher = (*CallbackDispatcher)(nil)
