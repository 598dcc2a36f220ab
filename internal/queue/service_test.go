package queue

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
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
)

// fakeDispatcher records dispatched envelopes and fails on demand.
type fakeDispatcher struct {
	mu        sync.Mutex
	envelopes []*Envelope
	err       error
}

func (d *fakeDispatcher) Name() string { return "fake" }

func (d *fakeDispatcher) Dispatch(_ context.Context, env *Envelope) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envelopes = append(d.envelopes, env)
	return nil
}

func (d *fakeDispatcher) HealthCheck(context.Context) Health {
	return Health{Backend: d.Name(), Healthy: d.err == nil}
}

func (d *fakeDispatcher) dispatched() []*Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Envelope, len(d.envelopes))
	copy(out, d.envelopes)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, dispatcher Dispatcher) (*Service, *status.MemoryStore, *ledger.MemoryLedger) {
	t.Helper()
	store := status.NewMemoryStore(time.Hour)
	lg := ledger.NewMemoryLedger()
	lg.Grant("user-1", 10)
	svc := NewService(store, dispatcher, lg, ServiceConfig{
		ProcessingURLBase: "https://pixel.example/processing",
		CostPerJob:        2,
	}, discardLogger())
	return svc, store, lg
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr string
	}{
		{
			name:    "valid image",
			payload: Payload{Kind: generate.KindImage, Prompt: "a cat", NumOutputs: 4},
		},
		{
			name:    "valid video",
			payload: Payload{Kind: generate.KindVideo, Prompt: "a cat running"},
		},
		{
			name:    "kind defaults to image",
			payload: Payload{Prompt: "a cat"},
		},
		{
			name:    "missing prompt",
			payload: Payload{Kind: generate.KindImage},
			wantErr: "prompt is required",
		},
		{
			name:    "unknown kind",
			payload: Payload{Kind: "hologram", Prompt: "a cat"},
			wantErr: "unknown generation kind",
		},
		{
			name:    "too many outputs",
			payload: Payload{Prompt: "a cat", NumOutputs: 11},
			wantErr: "numOutputs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEnqueueSeedsQueuedRecordImmediately(t *testing.T) {
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}
	svc, store, _ := newTestService(t, dispatcher)

	receipt, err := svc.Enqueue(ctx, Payload{Prompt: "a lighthouse"}, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, receipt.RequestID)
	assert.Equal(t, "https://pixel.example/processing/"+receipt.RequestID, receipt.ProcessingURL)

	// The record must be readable the moment Enqueue returns.
	rec, err := store.Read(ctx, receipt.RequestID)
	require.NoError(t, err)
	assert.Equal(t, status.StateQueued, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, "user-1", rec.UserID)

	envs := dispatcher.dispatched()
	require.Len(t, envs, 1)
	assert.Equal(t, receipt.RequestID, envs[0].RequestID)
	assert.Equal(t, "user-1", envs[0].UserID)
	assert.Equal(t, generate.KindImage, envs[0].Payload.Kind)
}

func TestEnqueueChargesCost(t *testing.T) {
	ctx := context.Background()
	svc, _, lg := newTestService(t, &fakeDispatcher{})

	_, err := svc.Enqueue(ctx, Payload{Prompt: "a lighthouse"}, "user-1")
	require.NoError(t, err)

	balance, err := lg.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 8, balance)
}

func TestEnqueueRejectsInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}
	svc, store, _ := newTestService(t, dispatcher)

	_, err := svc.Enqueue(ctx, Payload{Prompt: "a lighthouse"}, "user-broke")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Empty(t, dispatcher.dispatched(), "unpaid jobs must never be dispatched")

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "unpaid jobs must leave no status record")
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	svc, _, lg := newTestService(t, &fakeDispatcher{})

	_, err := svc.Enqueue(ctx, Payload{}, "user-1")
	require.Error(t, err)

	balance, err := lg.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance, "invalid payloads must not be charged")
}

func TestEnqueueDispatchFailureFailsRecordAndRefunds(t *testing.T) {
	ctx := context.Background()
	dispatcher := &fakeDispatcher{err: errors.New("broker unreachable")}
	svc, store, lg := newTestService(t, dispatcher)

	_, err := svc.Enqueue(ctx, Payload{Prompt: "a lighthouse"}, "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")

	// The seeded record must not sit in queued forever.
	records, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, status.StateFailed, rec.Status)
	assert.Equal(t, "We couldn't queue your request. Please try again.", rec.Message)
	assert.Contains(t, rec.Error, "broker unreachable")

	balance, err := lg.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance, "dispatch failure must refund the charge")
}

func TestEnqueueGeneratesUniqueRequestIDs(t *testing.T) {
	ctx := context.Background()
	svc, _, lg := newTestService(t, &fakeDispatcher{})
	lg.Grant("user-1", 100)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		receipt, err := svc.Enqueue(ctx, Payload{Prompt: "a lighthouse"}, "user-1")
		require.NoError(t, err)
		assert.False(t, seen[receipt.RequestID])
		seen[receipt.RequestID] = true
	}
}

func TestHealthCheckDelegatesToBackend(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeDispatcher{})
	h := svc.HealthCheck(context.Background())
	assert.Equal(t, "fake", h.Backend)
	assert.True(t, h.Healthy)
	assert.Equal(t, "fake", svc.Backend())
}
