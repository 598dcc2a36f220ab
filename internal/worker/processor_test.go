package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
	"github.com/kevinreber/pixel-studio-sub001/internal/ledger"
	"github.com/kevinreber/pixel-studio-sub001/internal/queue"
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
	"github.com/kevinreber/pixel-studio-sub001/internal/subscribe"
)

// captureBroadcaster records every published status snapshot in order.
type captureBroadcaster struct {
	mu      sync.Mutex
	records []*status.Record
}

func (b *captureBroadcaster) Publish(_ context.Context, rec *status.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec.Clone())
	return nil
}

func (b *captureBroadcaster) snapshots() []*status.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*status.Record, len(b.records))
	copy(out, b.records)
	return out
}

type fixture struct {
	store     *status.MemoryStore
	broadcast *captureBroadcaster
	ledger    *ledger.MemoryLedger
	processor *Processor
}

func newFixture(t *testing.T, invoker generate.Invoker) *fixture {
	t.Helper()
	f := &fixture{
		store:     status.NewMemoryStore(time.Hour),
		broadcast: &captureBroadcaster{},
		ledger:    ledger.NewMemoryLedger(),
	}
	f.processor = NewProcessor(
		f.store,
		f.broadcast,
		invoker,
		f.ledger,
		ProcessorConfig{WorkerID: "worker-test", CostPerJob: 5},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return f
}

func testEnvelope(requestID string) *queue.Envelope {
	return &queue.Envelope{
		RequestID: requestID,
		UserID:    "user-1",
		Payload: queue.Payload{
			Kind:       generate.KindImage,
			Prompt:     "a lighthouse at dusk",
			Model:      "pixel-v2",
			NumOutputs: 2,
		},
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestProcessSuccessReachesComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{})
	env := testEnvelope("req-success")

	require.NoError(t, f.processor.Process(ctx, env))

	rec, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, status.StateComplete, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.NotEmpty(t, rec.SetID)
	assert.Equal(t, "worker-test", rec.Processor)
	assert.Empty(t, rec.Error)
}

func TestProcessBroadcastsMonotonicProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{})
	env := testEnvelope("req-progress")

	require.NoError(t, f.processor.Process(ctx, env))

	snaps := f.broadcast.snapshots()
	require.NotEmpty(t, snaps)

	last := -1
	for _, rec := range snaps {
		assert.GreaterOrEqual(t, rec.Progress, last,
			"progress must never move backwards")
		last = rec.Progress
	}
	final := snaps[len(snaps)-1]
	assert.Equal(t, status.StateComplete, final.Status)
	assert.Equal(t, 100, final.Progress)
}

func TestProcessClaimLostIsSettledNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{})
	env := testEnvelope("req-owned")

	// Another worker already holds the job.
	_, err := f.store.Create(ctx, env.RequestID, &status.Record{
		RequestID: env.RequestID,
		UserID:    env.UserID,
		Status:    status.StateProcessing,
		Processor: "worker-other",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, f.processor.Process(ctx, env))

	rec, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "worker-other", rec.Processor)
	assert.Empty(t, f.broadcast.snapshots(), "a lost claim must not publish anything")
}

func TestProcessRedeliveryAfterCompletionIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{})
	env := testEnvelope("req-redelivered")

	require.NoError(t, f.processor.Process(ctx, env))
	first, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)

	// Broker redelivers the same message; the terminal record must not move.
	require.NoError(t, f.processor.Process(ctx, env))
	second, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)

	assert.Equal(t, first.SetID, second.SetID)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestProcessFailureTranslatesErrorAndRefunds(t *testing.T) {
	ctx := context.Background()
	apiErr := &generate.APIError{
		Code:   generate.CodeContentPolicy,
		Status: 400,
		Detail: "prompt flagged by safety system: category S3",
	}
	f := newFixture(t, &generate.Stub{Err: apiErr})
	env := testEnvelope("req-policy")

	require.NoError(t, f.processor.Process(ctx, env))

	rec, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, rec.Status)
	assert.Equal(t, FailureContentPolicy.UserMessage(), rec.Message)
	assert.Contains(t, rec.Error, "safety system")
	assert.NotEqual(t, rec.Error, rec.Message,
		"user message must be a translation, not the raw error")

	balance, err := f.ledger.Balance(ctx, env.UserID)
	require.NoError(t, err)
	assert.Equal(t, 5, balance, "failed job must refund its cost")
}

func TestProcessFailureRefundIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{Err: errors.New("engine is overloaded")})

	env := testEnvelope("req-refund-once")
	require.NoError(t, f.processor.Process(ctx, env))

	// A second delivery loses the claim against the terminal record, but even
	// a direct double refund must not pay twice.
	require.NoError(t, f.ledger.Refund(ctx, env.UserID, env.RequestID, 5))

	balance, err := f.ledger.Balance(ctx, env.UserID)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestProcessPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, panicInvoker{})
	env := testEnvelope("req-panic")

	require.NoError(t, f.processor.Process(ctx, env))

	rec, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, rec.Status)
	assert.Contains(t, rec.Error, "panicked")
}

func TestProcessInvokeTimeoutCategorizedAsTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{Delay: time.Second})
	f.processor.cfg.InvokeTimeout = 10 * time.Millisecond
	env := testEnvelope("req-slow")

	require.NoError(t, f.processor.Process(ctx, env))

	rec, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, rec.Status)
	assert.Equal(t, FailureTimeout.UserMessage(), rec.Message)
}

func TestCompletionHookFailureDoesNotMaskSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{})
	f.processor.SetCompletionHook(func(context.Context, *status.Record) {
		panic("notification service down")
	})
	env := testEnvelope("req-hook")

	require.NoError(t, f.processor.Process(ctx, env))

	rec, err := f.store.Read(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, status.StateComplete, rec.Status)
}

func TestCompletionHookSeesTerminalRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &generate.Stub{})

	var got *status.Record
	f.processor.SetCompletionHook(func(_ context.Context, rec *status.Record) {
		got = rec
	})

	require.NoError(t, f.processor.Process(ctx, testEnvelope("req-hook-rec")))
	require.NotNil(t, got)
	assert.Equal(t, status.StateComplete, got.Status)
	assert.NotEmpty(t, got.SetID)
}

type panicInvoker struct{}

func (panicInvoker) Generate(context.Context, generate.Request) (*generate.Result, error) {
	panic("corrupted model weights")
}

var _ subscribe.Broadcaster = (*captureBroadcaster)(nil)
