package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
)

// FailureCategory buckets generation failures into classes with distinct
// user-facing messages. The raw technical error always lands in the status
// record's error field; only the translation is shown to users.
type FailureCategory string

const (
	FailureContentPolicy    FailureCategory = "content_policy"
	FailureQuotaExhausted   FailureCategory = "quota_exhausted"
	FailureRateLimited      FailureCategory = "rate_limited"
	FailureModelUnavailable FailureCategory = "model_unavailable"
	FailureTimeout          FailureCategory = "timeout"
	FailureUnknown          FailureCategory = "unknown"
)

// Categorize maps an execution error onto a failure category. Typed model
// API errors are matched on their code; everything else falls back to
// substring matching on the error text, then to unknown.
func Categorize(err error) FailureCategory {
	if err == nil {
		return FailureUnknown
	}

	var apiErr *generate.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case generate.CodeContentPolicy:
			return FailureContentPolicy
		case generate.CodeQuotaExhausted:
			return FailureQuotaExhausted
		case generate.CodeRateLimited:
			return FailureRateLimited
		case generate.CodeModelUnavailable:
			return FailureModelUnavailable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "content_policy") || strings.Contains(msg, "safety"):
		return FailureContentPolicy
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return FailureQuotaExhausted
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return FailureRateLimited
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "overloaded"):
		return FailureModelUnavailable
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return FailureTimeout
	}
	return FailureUnknown
}

// UserMessage is the non-technical translation shown to the client.
func (c FailureCategory) UserMessage() string {
	switch c {
	case FailureContentPolicy:
		return "Your prompt was rejected by the content policy. Please adjust it and try again."
	case FailureQuotaExhausted:
		return "The generation service is out of capacity right now. Your credits have been refunded."
	case FailureRateLimited:
		return "We're handling a lot of requests at the moment. Please try again in a minute."
	case FailureModelUnavailable:
		return "The model is temporarily unavailable. Please try again shortly."
	case FailureTimeout:
		return "Generation took too long and was stopped. Your credits have been refunded."
	default:
		return "Something went wrong while generating. Your credits have been refunded."
	}
}
