package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureCategory
	}{
		{
			name: "nil error",
			err:  nil,
			want: FailureUnknown,
		},
		{
			name: "api content policy code",
			err:  &generate.APIError{Code: generate.CodeContentPolicy, Status: 400},
			want: FailureContentPolicy,
		},
		{
			name: "api quota code",
			err:  &generate.APIError{Code: generate.CodeQuotaExhausted, Status: 429},
			want: FailureQuotaExhausted,
		},
		{
			name: "api rate limit code",
			err:  &generate.APIError{Code: generate.CodeRateLimited, Status: 429},
			want: FailureRateLimited,
		},
		{
			name: "api model unavailable code",
			err:  &generate.APIError{Code: generate.CodeModelUnavailable, Status: 503},
			want: FailureModelUnavailable,
		},
		{
			name: "wrapped api error",
			err:  fmt.Errorf("invoke model: %w", &generate.APIError{Code: generate.CodeContentPolicy, Status: 400}),
			want: FailureContentPolicy,
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("invoke model: %w", context.DeadlineExceeded),
			want: FailureTimeout,
		},
		{
			name: "safety substring",
			err:  errors.New("rejected by the safety system"),
			want: FailureContentPolicy,
		},
		{
			name: "billing substring",
			err:  errors.New("billing hard limit reached"),
			want: FailureQuotaExhausted,
		},
		{
			name: "rate limit substring",
			err:  errors.New("upstream said: too many requests"),
			want: FailureRateLimited,
		},
		{
			name: "overloaded substring",
			err:  errors.New("the engine is currently overloaded"),
			want: FailureModelUnavailable,
		},
		{
			name: "timeout substring",
			err:  errors.New("read timeout on upstream socket"),
			want: FailureTimeout,
		},
		{
			name: "anything else",
			err:  errors.New("segfault in the flux capacitor"),
			want: FailureUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestUserMessageNeverTechnical(t *testing.T) {
	categories := []FailureCategory{
		FailureContentPolicy,
		FailureQuotaExhausted,
		FailureRateLimited,
		FailureModelUnavailable,
		FailureTimeout,
		FailureUnknown,
	}
	for _, c := range categories {
		msg := c.UserMessage()
		assert.NotEmpty(t, msg)
		assert.NotContains(t, msg, "error")
		assert.NotContains(t, msg, string(c))
	}
}
