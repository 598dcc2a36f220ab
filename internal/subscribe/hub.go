package subscribe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kevinreber/pixel-studio-sub001/internal/status"
)

const (
	// eventBuffer is the per-subscription channel depth. A subscriber that
	// falls further behind than this loses intermediate updates; the next
	// event or a direct store read catches it up.
	eventBuffer = 16

	defaultPollInterval   = 2 * time.Second
	defaultGracePeriod    = 30 * time.Second
	defaultTerminalLinger = 10 * time.Second

	storeOpTimeout = 5 * time.Second
)

// Event is one observation of a job's status delivered to a subscriber.
type Event struct {
	// Record is the observed status record; nil when Found is false.
	Record *status.Record
	// Found is false only for the initial snapshot of an unknown request id.
	Found bool
	// Redirect marks the one-time completion signal for a successful job.
	// At-least-once transports can redeliver a terminal record, but each
	// subscription sees Redirect exactly once.
	Redirect bool
}

// Subscription tracks one request id for one client.
type Subscription struct {
	RequestID string

	hub      *Hub
	events   chan Event
	notified bool // terminal update already delivered; guarded by hub.mu
	closed   bool // guarded by hub.mu
}

// Events returns the channel status updates arrive on. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// tracked is the hub-side bookkeeping for one request id with at least one
// subscriber (or one inside its post-disconnect grace window).
type tracked struct {
	subs       map[*Subscription]struct{}
	last       *status.Record
	graceTimer *time.Timer
}

// HubConfig configures a subscription hub.
type HubConfig struct {
	Store  status.Store
	Logger *slog.Logger

	// Polling switches the hub from push-fed (Dispatch called by a feed or
	// broadcaster) to pull: a background loop re-reads the store for every
	// tracked request id.
	Polling      bool
	PollInterval time.Duration

	// GracePeriod is how long an active job stays tracked after its last
	// subscriber disconnects, tolerating brief reconnects.
	GracePeriod time.Duration

	// TerminalLinger delays deletion of a delivered terminal record in
	// polling mode, leaving a window for direct reads.
	TerminalLinger time.Duration
}

// Hub fans status updates out to per-request subscribers and owns the
// cleanup of records nobody is watching anymore.
type Hub struct {
	store   status.Store
	logger  *slog.Logger
	polling bool

	pollInterval   time.Duration
	gracePeriod    time.Duration
	terminalLinger time.Duration

	mu      sync.Mutex
	tracks  map[string]*tracked
	cleanup map[string]*time.Timer
}

// NewHub creates a hub; zero durations take defaults.
func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		store:          cfg.Store,
		logger:         cfg.Logger,
		polling:        cfg.Polling,
		pollInterval:   cfg.PollInterval,
		gracePeriod:    cfg.GracePeriod,
		terminalLinger: cfg.TerminalLinger,
		tracks:         make(map[string]*tracked),
		cleanup:        make(map[string]*time.Timer),
	}
	if h.pollInterval <= 0 {
		h.pollInterval = defaultPollInterval
	}
	if h.gracePeriod <= 0 {
		h.gracePeriod = defaultGracePeriod
	}
	if h.terminalLinger <= 0 {
		h.terminalLinger = defaultTerminalLinger
	}
	return h
}

// Run drives the polling loop until ctx is canceled. In push mode it only
// blocks, so updates delivered via Dispatch keep flowing either way.
func (h *Hub) Run(ctx context.Context) error {
	if !h.polling {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.pollOnce(ctx)
		}
	}
}

// Subscribe registers interest in requestID. The first event on the returned
// subscription is the current record, or a not-found marker.
func (h *Hub) Subscribe(requestID string) *Subscription {
	sub := &Subscription{
		RequestID: requestID,
		hub:       h,
		events:    make(chan Event, eventBuffer),
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	rec, err := h.store.Read(ctx, requestID)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	tr := h.tracks[requestID]
	if tr == nil {
		tr = &tracked{subs: make(map[*Subscription]struct{})}
		h.tracks[requestID] = tr
	}
	if tr.graceTimer != nil {
		tr.graceTimer.Stop()
		tr.graceTimer = nil
	}
	tr.subs[sub] = struct{}{}

	switch {
	case err == nil:
		// The store read above raced updates dispatched since; never let a
		// stale snapshot regress the dedup state for existing subscribers.
		if tr.last == nil || rec.UpdatedAt.After(tr.last.UpdatedAt) {
			tr.last = rec.Clone()
		} else {
			rec = tr.last
		}
		h.deliverLocked(sub, rec)
	case errors.Is(err, status.ErrNotFound):
		sub.events <- Event{Found: false}
	default:
		sub.events <- Event{Found: false}
	}

	return sub
}

// Dispatch routes an updated record to its subscribers. It is the entry
// point for push feeds and in-process broadcasters; the polling loop calls
// it too, so all delivery and dedup logic lives in one place.
func (h *Hub) Dispatch(rec *status.Record) {
	if rec == nil {
		return
	}

	h.mu.Lock()
	tr := h.tracks[rec.RequestID]
	if tr == nil {
		h.mu.Unlock()
		return
	}

	// Terminal records always fan out: the per-subscription notified flag
	// dedups them, and a subscriber whose buffer was full when the terminal
	// first arrived needs the redelivery.
	if tr.last != nil && !changed(tr.last, rec) && !rec.Status.Terminal() {
		h.mu.Unlock()
		return
	}
	tr.last = rec.Clone()

	for sub := range tr.subs {
		h.deliverLocked(sub, rec)
	}
	h.mu.Unlock()

	if h.polling && rec.Status.Terminal() {
		h.scheduleTerminalCleanup(rec.RequestID)
	}
}

// deliverLocked sends rec to one subscription, applying the per-subscription
// terminal dedup. Callers hold h.mu.
func (h *Hub) deliverLocked(sub *Subscription, rec *status.Record) {
	if sub.closed {
		return
	}

	ev := Event{Record: rec.Clone(), Found: true}
	terminal := rec.Status.Terminal()
	if terminal {
		if sub.notified {
			return
		}
		ev.Redirect = rec.Status == status.StateComplete
	}

	select {
	case sub.events <- ev:
		// Only a delivered terminal counts as notified; a dropped one must
		// stay eligible for redelivery or the next poll.
		if terminal {
			sub.notified = true
		}
	default:
		h.logger.Warn("Dropping status event for slow subscriber",
			slog.String("request_id", sub.RequestID),
		)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)

	tr := h.tracks[sub.RequestID]
	if tr == nil {
		return
	}
	delete(tr.subs, sub)
	if len(tr.subs) > 0 {
		return
	}

	if tr.last != nil && tr.last.Status.Terminal() {
		// Nobody is watching a finished job: reclaim the record now instead
		// of waiting out the TTL.
		h.untrackLocked(sub.RequestID)
		go h.deleteRecord(sub.RequestID)
		return
	}

	// Still-active job: keep tracking through a grace window in case the
	// client reconnects.
	requestID := sub.RequestID
	tr.graceTimer = time.AfterFunc(h.gracePeriod, func() {
		h.expireGrace(requestID)
	})
}

// expireGrace gives up tracking a request whose subscribers never came back.
func (h *Hub) expireGrace(requestID string) {
	h.mu.Lock()
	tr := h.tracks[requestID]
	if tr == nil || len(tr.subs) > 0 {
		h.mu.Unlock()
		return
	}
	h.untrackLocked(requestID)
	h.mu.Unlock()

	// The job may have finished during the grace window; if so its record is
	// also unwatched now.
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	rec, err := h.store.Read(ctx, requestID)
	if err == nil && rec.Status.Terminal() {
		h.deleteRecord(requestID)
	}
}

func (h *Hub) untrackLocked(requestID string) {
	tr := h.tracks[requestID]
	if tr != nil && tr.graceTimer != nil {
		tr.graceTimer.Stop()
	}
	delete(h.tracks, requestID)
}

func (h *Hub) deleteRecord(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := h.store.Delete(ctx, requestID); err != nil {
		h.logger.Warn("Failed to delete finished status record",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
	}
}

// scheduleTerminalCleanup arranges deletion of a delivered terminal record
// after a short linger. Polling mode only; push mode cleans up on the last
// unsubscribe.
func (h *Hub) scheduleTerminalCleanup(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, pending := h.cleanup[requestID]; pending {
		return
	}
	h.cleanup[requestID] = time.AfterFunc(h.terminalLinger, func() {
		h.mu.Lock()
		delete(h.cleanup, requestID)
		h.untrackLocked(requestID)
		h.mu.Unlock()
		h.deleteRecord(requestID)
	})
}

// pollOnce re-reads the store for every tracked request id and pushes any
// changes through Dispatch.
func (h *Hub) pollOnce(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.tracks))
	for id := range h.tracks {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		readCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
		rec, err := h.store.Read(readCtx, id)
		cancel()
		if err != nil {
			continue
		}
		h.Dispatch(rec)
	}
}

// changed reports whether an update is worth delivering: any status or
// progress movement, or new message/terminal detail.
func changed(prev, next *status.Record) bool {
	return prev.Status != next.Status ||
		prev.Progress != next.Progress ||
		prev.Message != next.Message ||
		prev.SetID != next.SetID ||
		prev.Error != next.Error
}
