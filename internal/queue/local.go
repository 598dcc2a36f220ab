package queue

import (
	"context"
	"fmt"
	"log/slog"
)

// JobHandler processes a delivered job. Satisfied by the worker processor.
type JobHandler interface {
	Process(ctx context.Context, env *Envelope) error
}

// LocalDispatcher runs jobs synchronously-but-detached in the same process.
// It preserves the async contract for callers when no real backend is
// configured (development, tests).
type LocalDispatcher struct {
	handler JobHandler
	logger  *slog.Logger
}

// NewLocalDispatcher creates the in-process backend.
func NewLocalDispatcher(handler JobHandler, logger *slog.Logger) *LocalDispatcher {
	return &LocalDispatcher{handler: handler, logger: logger}
}

func (d *LocalDispatcher) Name() string { return "local" }

func (d *LocalDispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	// Fire and forget: the job outlives the enqueue request, so detach from
	// its cancellation.
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Local job processing panicked",
					slog.String("request_id", env.RequestID),
					slog.Any("panic", fmt.Sprintf("%v", r)),
				)
			}
		}()
		if err := d.handler.Process(jobCtx, env); err != nil {
			d.logger.Error("Local job processing failed",
				slog.String("request_id", env.RequestID),
				slog.Any("error", err),
			)
		}
	}()
	return nil
}

func (d *LocalDispatcher) HealthCheck(ctx context.Context) Health {
	return Health{Backend: d.Name(), Healthy: true, Detail: "in-process"}
}

var _ Dispatcher = (*LocalDispatcher)(nil)
