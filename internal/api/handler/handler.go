package handler

import (
	"context"
	"log/slog"

	"github.com/kevinreber/pixel-studio-sub001/internal/queue"
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
	"github.com/kevinreber/pixel-studio-sub001/internal/subscribe"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *queue.Service
	Store   status.Store
	Hub     *subscribe.Hub

	// Processor handles callback deliveries from the managed delivery
	// service; nil when the callback backend is not configured.
	Processor queue.JobHandler
	// SigningKey verifies callback delivery signatures.
	SigningKey string

	// StorePing reports status store reachability for the health endpoint;
	// nil means no external store to check.
	StorePing func(ctx context.Context) error

	ServiceName string
}

// GenerationHandler handles generation-related HTTP requests
type GenerationHandler struct {
	logger      *slog.Logger
	service     *queue.Service
	store       status.Store
	hub         *subscribe.Hub
	processor   queue.JobHandler
	signingKey  string
	storePing   func(ctx context.Context) error
	serviceName string
}

// NewGenerationHandler creates a new GenerationHandler instance
func NewGenerationHandler(deps *Dependencies) *GenerationHandler {
	return &GenerationHandler{
		logger:      deps.Logger,
		service:     deps.Service,
		store:       deps.Store,
		hub:         deps.Hub,
		processor:   deps.Processor,
		signingKey:  deps.SigningKey,
		storePing:   deps.StorePing,
		serviceName: deps.ServiceName,
	}
}
