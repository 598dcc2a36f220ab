package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
	"github.com/kevinreber/pixel-studio-sub001/internal/ledger"
	"github.com/kevinreber/pixel-studio-sub001/internal/queue"
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
	"github.com/kevinreber/pixel-studio-sub001/internal/subscribe"
)

const defaultInvokeTimeout = 5 * time.Minute

// CompletionHook runs after a successful terminal write, for side effects
// like notifications. Errors are logged and swallowed: a side-effect failure
// must never touch the recorded success.
type CompletionHook func(ctx context.Context, rec *status.Record)

// ProcessorConfig configures job processing.
type ProcessorConfig struct {
	// WorkerID identifies this processor instance in claim records.
	WorkerID      string
	InvokeTimeout time.Duration
	// CostPerJob is the refund amount for failed jobs; must match the
	// enqueue-time charge.
	CostPerJob int
}

// Processor executes one delivered generation job: claim, progress
// milestones, model invocation, terminal write. It is safe for concurrent
// use; instances share nothing but the status store.
type Processor struct {
	store       status.Store
	claimer     *status.Claimer
	broadcaster subscribe.Broadcaster
	invoker     generate.Invoker
	ledger      ledger.Ledger
	logger      *slog.Logger
	cfg         ProcessorConfig

	onComplete CompletionHook
}

// NewProcessor wires the processing pipeline.
func NewProcessor(
	store status.Store,
	broadcaster subscribe.Broadcaster,
	invoker generate.Invoker,
	lg ledger.Ledger,
	cfg ProcessorConfig,
	logger *slog.Logger,
) *Processor {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.CostPerJob <= 0 {
		cfg.CostPerJob = 1
	}
	return &Processor{
		store:       store,
		claimer:     status.NewClaimer(store, logger),
		broadcaster: broadcaster,
		invoker:     invoker,
		ledger:      lg,
		logger:      logger,
		cfg:         cfg,
	}
}

// SetCompletionHook installs an optional post-success side effect.
func (p *Processor) SetCompletionHook(hook CompletionHook) {
	p.onComplete = hook
}

// Process handles one job delivery. A nil return means the delivery is
// settled (executed to a terminal state, or lost the claim) and must be
// acknowledged; an error means the terminal outcome could not be recorded
// and the delivery should be retried.
func (p *Processor) Process(ctx context.Context, env *queue.Envelope) error {
	log := p.logger.With(
		slog.String("request_id", env.RequestID),
		slog.String("user_id", env.UserID),
		slog.String("worker_id", p.cfg.WorkerID),
	)

	if !p.claimer.Claim(ctx, env.RequestID, env.UserID, p.cfg.WorkerID) {
		// Another worker, or an earlier delivery attempt, owns this job.
		log.Debug("Skipping job, claim lost")
		return nil
	}

	log.Info("Claimed job",
		slog.String("kind", string(env.Payload.Kind)),
		slog.String("model", env.Payload.Model),
	)

	p.update(ctx, env.RequestID, status.Update{
		Status:   status.StateProcessing,
		Progress: status.Int(10),
		Message:  status.Str("Preparing generation"),
	})
	p.update(ctx, env.RequestID, status.Update{
		Progress: status.Int(50),
		Message:  status.Str("Generating with model"),
	})

	result, invokeErr := p.invoke(ctx, env)

	if invokeErr != nil {
		return p.fail(ctx, log, env, invokeErr)
	}

	p.update(ctx, env.RequestID, status.Update{
		Progress: status.Int(90),
		Message:  status.Str("Finalizing results"),
	})

	return p.complete(ctx, log, env, result)
}

// invoke runs the model call under the configured timeout, converting a
// panic into an error so one bad job cannot take down the worker loop.
func (p *Processor) invoke(ctx context.Context, env *queue.Envelope) (result *generate.Result, err error) {
	invokeCtx, cancel := context.WithTimeout(ctx, p.cfg.InvokeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("generation panicked: %v", r)
		}
	}()

	return p.invoker.Generate(invokeCtx, generate.Request{
		RequestID:   env.RequestID,
		UserID:      env.UserID,
		Kind:        env.Payload.Kind,
		Prompt:      env.Payload.Prompt,
		Model:       env.Payload.Model,
		NumOutputs:  env.Payload.NumOutputs,
		AspectRatio: env.Payload.AspectRatio,
	})
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, env *queue.Envelope, result *generate.Result) error {
	rec, err := p.store.Write(ctx, env.RequestID, status.Update{
		Status:   status.StateComplete,
		Progress: status.Int(100),
		Message:  status.Str("Generation complete"),
		SetID:    status.Str(result.SetID),
	})
	if err != nil {
		log.Error("Failed to record completion",
			slog.Any("error", err),
		)
		return fmt.Errorf("record completion for %s: %w", env.RequestID, err)
	}
	p.broadcast(ctx, rec)

	log.Info("Job complete",
		slog.String("set_id", result.SetID),
		slog.Int("assets", len(result.Assets)),
	)

	if p.onComplete != nil {
		// Best effort only; the success is already durable.
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn("Completion hook panicked",
						slog.Any("panic", r),
					)
				}
			}()
			p.onComplete(ctx, rec)
		}()
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, env *queue.Envelope, invokeErr error) error {
	category := Categorize(invokeErr)
	log.Error("Job execution failed",
		slog.String("category", string(category)),
		slog.Any("error", invokeErr),
	)

	rec, err := p.store.Write(ctx, env.RequestID, status.Update{
		Status:  status.StateFailed,
		Message: status.Str(category.UserMessage()),
		Error:   status.Str(invokeErr.Error()),
	})
	if err != nil {
		log.Error("Failed to record failure",
			slog.Any("error", err),
		)
		return fmt.Errorf("record failure for %s: %w", env.RequestID, err)
	}
	p.broadcast(ctx, rec)

	if err := p.ledger.Refund(ctx, env.UserID, env.RequestID, p.cfg.CostPerJob); err != nil {
		log.Warn("Refund failed",
			slog.Any("error", err),
		)
	}
	return nil
}

// update writes a progress milestone and broadcasts it. Milestone write
// failures are logged, not fatal: the job itself matters more than its
// progress trail.
func (p *Processor) update(ctx context.Context, requestID string, upd status.Update) {
	rec, err := p.store.Write(ctx, requestID, upd)
	if err != nil {
		p.logger.Warn("Failed to write progress update",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		return
	}
	p.broadcast(ctx, rec)
}

func (p *Processor) broadcast(ctx context.Context, rec *status.Record) {
	if err := p.broadcaster.Publish(ctx, rec); err != nil {
		// Best effort: the store stays authoritative, pollers catch up.
		p.logger.Warn("Failed to broadcast status update",
			slog.String("request_id", rec.RequestID),
			slog.Any("error", err),
		)
	}
}

var _ queue.JobHandler = (*Processor)(nil)
