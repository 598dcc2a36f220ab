package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu        sync.Mutex
	processed []*Envelope
	done      chan struct{}
	err       error
	panicMsg  string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{done: make(chan struct{}, 8)}
}

func (h *fakeHandler) Process(ctx context.Context, env *Envelope) error {
	defer func() { h.done <- struct{}{} }()
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	h.mu.Lock()
	h.processed = append(h.processed, env)
	h.mu.Unlock()
	return h.err
}

func (h *fakeHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestLocalDispatchRunsHandlerAsynchronously(t *testing.T) {
	handler := newFakeHandler()
	d := NewLocalDispatcher(handler, discardLogger())

	env := &Envelope{RequestID: "req-1", UserID: "user-1"}
	require.NoError(t, d.Dispatch(context.Background(), env))

	handler.wait(t)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.processed, 1)
	assert.Equal(t, "req-1", handler.processed[0].RequestID)
}

func TestLocalDispatchSurvivesCallerCancellation(t *testing.T) {
	handler := newFakeHandler()
	d := NewLocalDispatcher(handler, discardLogger())

	// The enqueue request's context dies right after dispatch; the job must
	// still run.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, &Envelope{RequestID: "req-1"}))
	cancel()

	handler.wait(t)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.processed, 1)
}

func TestLocalDispatchSwallowsHandlerError(t *testing.T) {
	handler := newFakeHandler()
	handler.err = errors.New("processing failed")
	d := NewLocalDispatcher(handler, discardLogger())

	require.NoError(t, d.Dispatch(context.Background(), &Envelope{RequestID: "req-1"}))
	handler.wait(t)
}

func TestLocalDispatchSurvivesHandlerPanic(t *testing.T) {
	handler := newFakeHandler()
	handler.panicMsg = "boom"
	d := NewLocalDispatcher(handler, discardLogger())

	require.NoError(t, d.Dispatch(context.Background(), &Envelope{RequestID: "req-1"}))
	handler.wait(t)

	// The dispatcher goroutine recovered; dispatching again still works.
	handler.panicMsg = ""
	require.NoError(t, d.Dispatch(context.Background(), &Envelope{RequestID: "req-2"}))
	handler.wait(t)
}

func TestLocalHealthCheckAlwaysHealthy(t *testing.T) {
	d := NewLocalDispatcher(newFakeHandler(), discardLogger())
	h := d.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "local", h.Backend)
}
