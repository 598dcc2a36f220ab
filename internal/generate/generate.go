package generate

import (
	"context"
	"fmt"
)

// Kind selects the artifact type a job produces.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Request describes one generation task handed to the model.
type Request struct {
	RequestID   string
	UserID      string
	Kind        Kind
	Prompt      string
	Model       string
	NumOutputs  int
	AspectRatio string
}

// Asset is one produced artifact.
type Asset struct {
	URL    string `json:"url"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Result references the artifact group produced by a successful invocation.
type Result struct {
	SetID  string  `json:"setId"`
	Assets []Asset `json:"assets"`
}

// Invoker is the opaque model invocation: it either returns an artifact
// group or an error. Everything else about the model is somebody else's
// problem.
type Invoker interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Error codes surfaced by model APIs that the worker translates into
// user-facing failure messages.
const (
	CodeContentPolicy    = "content_policy_violation"
	CodeQuotaExhausted   = "insufficient_quota"
	CodeRateLimited      = "rate_limit_exceeded"
	CodeModelUnavailable = "model_unavailable"
)

// APIError is a typed failure from the model API.
type APIError struct {
	Code   string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("model api: %s (status %d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("model api: status %d: %s", e.Status, e.Detail)
}
