package status

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Claimer implements the job-claim protocol: for any request id, at most one
// worker ever transitions the record into processing. Queue backends deliver
// at least once and horizontally scaled consumers can race on rebalance, so
// every worker runs Claim before touching a job.
type Claimer struct {
	store  Store
	logger *slog.Logger
}

// NewClaimer builds a Claimer over the shared status store.
func NewClaimer(store Store, logger *slog.Logger) *Claimer {
	return &Claimer{store: store, logger: logger}
}

// Claim attempts to take ownership of requestID for processor.
//
// The fast path is an atomic create-if-absent of a processing record, which
// wins for backends that dispatch without pre-writing status. When a record
// already exists and is still queued (enqueue pre-writes one), ownership is
// taken with the store's atomic queued-to-processing swap. Any other state
// means another worker, or an earlier delivery attempt, owns the job.
//
// Store errors fail open: generation proceeding twice in a rare outage beats
// generation deadlocking on the observability store being down.
func (c *Claimer) Claim(ctx context.Context, requestID, userID, processor string) bool {
	now := time.Now().UTC()
	rec := &Record{
		RequestID: requestID,
		UserID:    userID,
		Status:    StateProcessing,
		Progress:  0,
		Message:   "Starting generation",
		Processor: processor,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := c.store.Create(ctx, requestID, rec)
	if err != nil {
		c.logger.Warn("Claim create failed, failing open",
			slog.String("request_id", requestID),
			slog.String("processor", processor),
			slog.Any("error", err),
		)
		return true
	}
	if created {
		return true
	}

	existing, err := c.store.Read(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The record vanished between create and read (expiry or corrupt
			// self-heal). Nobody owns it; take it.
			if _, err := c.store.Create(ctx, requestID, rec); err != nil {
				c.logger.Warn("Claim re-create failed, failing open",
					slog.String("request_id", requestID),
					slog.Any("error", err),
				)
			}
			return true
		}
		c.logger.Warn("Claim read failed, failing open",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		return true
	}

	if existing.Status != StateQueued {
		// Claim lost. Silent no-op by design; the owner reports status.
		c.logger.Debug("Claim lost",
			slog.String("request_id", requestID),
			slog.String("status", string(existing.Status)),
			slog.String("owner", existing.Processor),
		)
		return false
	}

	claimed, err := c.store.ClaimQueued(ctx, requestID, processor)
	if err != nil {
		c.logger.Warn("Claim takeover failed, failing open",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		return true
	}
	return claimed
}
