package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultRequestTimeout = 120 * time.Second

// ClientConfig configures the HTTP model-API client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client invokes a generation model over its HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a model-API client.
func NewClient(cfg *ClientConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type apiRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	N           int    `json:"n,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

type apiResponse struct {
	ID     string  `json:"id"`
	Assets []Asset `json:"assets"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate performs one synchronous model invocation. Non-2xx responses are
// returned as *APIError carrying the provider's error code so callers can
// categorize the failure.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(apiRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		N:           req.NumOutputs,
		AspectRatio: req.AspectRatio,
		Kind:        string(req.Kind),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke model api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read model api response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("decode model api response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Detail: string(raw)}
		if parsed.Error != nil {
			apiErr.Code = parsed.Error.Code
			apiErr.Detail = parsed.Error.Message
		} else {
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				apiErr.Code = CodeRateLimited
			case http.StatusServiceUnavailable, http.StatusBadGateway:
				apiErr.Code = CodeModelUnavailable
			}
		}
		return nil, apiErr
	}

	c.logger.Debug("Model invocation complete",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.Int("assets", len(parsed.Assets)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return &Result{SetID: parsed.ID, Assets: parsed.Assets}, nil
}

var _ Invoker = (*Client)(nil)
