package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClaimFreshRecordWinsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	claimer := NewClaimer(store, discardLogger())

	// Two workers race on a request id with no prior record.
	a := claimer.Claim(ctx, "req-1", "user-1", "worker-a")
	b := claimer.Claim(ctx, "req-1", "user-1", "worker-b")

	assert.True(t, a != b, "exactly one of the two claims must win")

	rec, err := store.Read(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, rec.Status)
}

func TestClaimTakesOverQueuedRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	claimer := NewClaimer(store, discardLogger())

	// Enqueue pre-wrote the queued record before dispatch.
	_, err := store.Create(ctx, "req-1", newQueuedRecord("req-1"))
	require.NoError(t, err)
	before, err := store.Read(ctx, "req-1")
	require.NoError(t, err)

	assert.True(t, claimer.Claim(ctx, "req-1", "user-1", "worker-a"))

	rec, err := store.Read(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, rec.Status)
	assert.Equal(t, "worker-a", rec.Processor)
	assert.Equal(t, before.CreatedAt, rec.CreatedAt, "takeover preserves the enqueue timestamp")
}

func TestClaimLostWhenAlreadyOwned(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	claimer := NewClaimer(store, discardLogger())

	tests := []struct {
		name  string
		state State
	}{
		{name: "processing", state: StateProcessing},
		{name: "complete", state: StateComplete},
		{name: "failed", state: StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "req-" + tt.name
			rec := newQueuedRecord(id)
			rec.Status = tt.state
			rec.Processor = "worker-owner"
			_, err := store.Create(ctx, id, rec)
			require.NoError(t, err)

			assert.False(t, claimer.Claim(ctx, id, "user-1", "worker-late"))
		})
	}
}

// N workers racing for the same fresh request id: exactly one claimed
// outcome, N-1 losses.
func TestClaimConcurrentExactlyOneWinner(t *testing.T) {
	const (
		workers = 32
		rounds  = 50
	)

	ctx := context.Background()

	for round := 0; round < rounds; round++ {
		store := NewMemoryStore(0)
		claimer := NewClaimer(store, discardLogger())

		// Half the rounds start from a pre-written queued record, exercising
		// the takeover path under contention as well.
		requestID := "req-race"
		if round%2 == 0 {
			_, err := store.Create(ctx, requestID, newQueuedRecord(requestID))
			require.NoError(t, err)
		}

		var (
			wins  atomic.Int32
			start = make(chan struct{})
			wg    sync.WaitGroup
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				<-start
				if claimer.Claim(ctx, requestID, "user-1", workerName(n)) {
					wins.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "round %d: want exactly one winner", round)
	}
}

func workerName(n int) string {
	return "worker-" + string(rune('a'+n%26))
}

// erroringStore simulates the backing store being unreachable.
type erroringStore struct {
	Store
}

var errStoreDown = errors.New("store unreachable")

func (e *erroringStore) Create(ctx context.Context, requestID string, rec *Record) (bool, error) {
	return false, errStoreDown
}

func (e *erroringStore) Read(ctx context.Context, requestID string) (*Record, error) {
	return nil, errStoreDown
}

func (e *erroringStore) ClaimQueued(ctx context.Context, requestID, processor string) (bool, error) {
	return false, errStoreDown
}

// Fail-open is an intentional availability-over-consistency tradeoff: when
// the store is down, claims succeed rather than stalling generation.
func TestClaimFailsOpenOnStoreErrors(t *testing.T) {
	ctx := context.Background()
	claimer := NewClaimer(&erroringStore{}, discardLogger())

	assert.True(t, claimer.Claim(ctx, "req-1", "user-1", "worker-a"))
}
