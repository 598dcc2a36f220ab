// Package queue is the backend-agnostic dispatch layer: enqueue a generation
// job, get back a tracking handle, and let the configured backend deliver it
// to a worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
	"github.com/kevinreber/pixel-studio-sub001/internal/ledger"
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
)

// Payload is the caller-supplied description of a generation job.
type Payload struct {
	Kind        generate.Kind `json:"kind"`
	Prompt      string        `json:"prompt"`
	Model       string        `json:"model"`
	NumOutputs  int           `json:"numOutputs,omitempty"`
	AspectRatio string        `json:"aspectRatio,omitempty"`
}

// Validate rejects payloads a worker could never process.
func (p *Payload) Validate() error {
	if p.Prompt == "" {
		return errors.New("prompt is required")
	}
	if p.Kind == "" {
		p.Kind = generate.KindImage
	}
	if p.Kind != generate.KindImage && p.Kind != generate.KindVideo {
		return fmt.Errorf("unknown generation kind %q", p.Kind)
	}
	if p.NumOutputs < 0 || p.NumOutputs > 10 {
		return errors.New("numOutputs must be between 0 and 10")
	}
	return nil
}

// Envelope is the wire format every backend carries. RequestID correlates
// the delivery with the status record written at enqueue time.
type Envelope struct {
	RequestID  string    `json:"requestId"`
	UserID     string    `json:"userId"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Receipt is the tracking handle returned to the caller.
type Receipt struct {
	RequestID     string `json:"requestId"`
	ProcessingURL string `json:"processingUrl"`
}

// Health is a non-throwing backend reachability report.
type Health struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail"`
}

// Dispatcher is one queue backend strategy. Selection between dispatchers is
// a static configuration decision made at startup.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, env *Envelope) error
	HealthCheck(ctx context.Context) Health
}

// ServiceConfig configures the enqueue service.
type ServiceConfig struct {
	// ProcessingURLBase is the client-facing location prefix for tracking a
	// job, joined with the request id.
	ProcessingURLBase string
	// CostPerJob is the credit cost charged at enqueue and refunded on
	// failure.
	CostPerJob int
}

// Service implements the enqueue contract over whichever Dispatcher was
// selected at startup.
type Service struct {
	store      status.Store
	dispatcher Dispatcher
	ledger     ledger.Ledger
	logger     *slog.Logger

	processingURLBase string
	costPerJob        int
}

// NewService wires the enqueue path.
func NewService(store status.Store, dispatcher Dispatcher, lg ledger.Ledger, cfg ServiceConfig, logger *slog.Logger) *Service {
	cost := cfg.CostPerJob
	if cost <= 0 {
		cost = 1
	}
	return &Service{
		store:             store,
		dispatcher:        dispatcher,
		ledger:            lg,
		logger:            logger,
		processingURLBase: cfg.ProcessingURLBase,
		costPerJob:        cost,
	}
}

// Enqueue assigns a request id, charges the job cost, seeds the queued
// status record, and dispatches the job via the configured backend. It
// returns as soon as the backend has accepted the job.
//
// A dispatch failure never leaves a record stuck in queued: the record is
// flipped to failed and the charge refunded before the error is surfaced.
func (s *Service) Enqueue(ctx context.Context, payload Payload, userID string) (*Receipt, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	requestID := uuid.New().String()

	if err := s.ledger.Charge(ctx, userID, requestID, s.costPerJob); err != nil {
		return nil, fmt.Errorf("charge generation cost: %w", err)
	}

	now := time.Now().UTC()
	rec := &status.Record{
		RequestID: requestID,
		UserID:    userID,
		Status:    status.StateQueued,
		Message:   "Queued for processing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.store.Create(ctx, requestID, rec)
	if err != nil || !created {
		// Fail open: the job can still run; workers claim via create-if-absent.
		s.logger.Warn("Could not seed queued status record",
			slog.String("request_id", requestID),
			slog.Bool("created", created),
			slog.Any("error", err),
		)
	}

	env := &Envelope{
		RequestID:  requestID,
		UserID:     userID,
		Payload:    payload,
		EnqueuedAt: now,
	}
	if err := s.dispatcher.Dispatch(ctx, env); err != nil {
		s.logger.Error("Dispatch failed",
			slog.String("request_id", requestID),
			slog.String("backend", s.dispatcher.Name()),
			slog.Any("error", err),
		)
		if _, werr := s.store.Write(ctx, requestID, status.Update{
			Status:  status.StateFailed,
			Message: status.Str("We couldn't queue your request. Please try again."),
			Error:   status.Str(err.Error()),
		}); werr != nil {
			s.logger.Warn("Failed to mark undispatched job as failed",
				slog.String("request_id", requestID),
				slog.Any("error", werr),
			)
		}
		if rerr := s.ledger.Refund(ctx, userID, requestID, s.costPerJob); rerr != nil {
			s.logger.Warn("Failed to refund undispatched job",
				slog.String("request_id", requestID),
				slog.Any("error", rerr),
			)
		}
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("request_id", requestID),
		slog.String("user_id", userID),
		slog.String("backend", s.dispatcher.Name()),
		slog.String("kind", string(payload.Kind)),
	)

	return &Receipt{
		RequestID:     requestID,
		ProcessingURL: fmt.Sprintf("%s/%s", s.processingURLBase, requestID),
	}, nil
}

// HealthCheck reports the configured backend's reachability. It never
// returns an error; failures show up as Healthy=false with a diagnostic.
func (s *Service) HealthCheck(ctx context.Context) Health {
	return s.dispatcher.HealthCheck(ctx)
}

// Backend returns the configured backend's name.
func (s *Service) Backend() string {
	return s.dispatcher.Name()
}
