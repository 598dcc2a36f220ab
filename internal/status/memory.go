package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by local mode and tests. Entries
// are kept JSON-encoded, matching the at-rest format of the Redis store, so
// the corrupt-entry self-heal path behaves identically in both.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	raw       []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store. A non-positive ttl falls
// back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, requestID string, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(requestID); ok {
		return false, nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	m.entries[requestID] = memoryEntry{raw: raw, expiresAt: m.now().Add(m.ttl)}
	return true, nil
}

func (m *MemoryStore) Read(ctx context.Context, requestID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked(requestID)
}

func (m *MemoryStore) readLocked(requestID string) (*Record, error) {
	entry, ok := m.live(requestID)
	if !ok {
		return nil, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal(entry.raw, &rec); err != nil || !rec.Status.Valid() {
		// Self-heal: drop the corrupt entry instead of surfacing a parse error.
		delete(m.entries, requestID)
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Write(ctx context.Context, requestID string, upd Update) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, err := m.readLocked(requestID)
	if err != nil {
		rec = materialize(requestID, upd, now)
	} else {
		rec.Apply(upd, now)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	m.entries[requestID] = memoryEntry{raw: raw, expiresAt: now.Add(m.ttl)}
	return rec, nil
}

func (m *MemoryStore) Delete(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, requestID)
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]*Record, 0, len(m.entries))
	for id := range m.entries {
		rec, err := m.readLocked(id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *MemoryStore) ClaimQueued(ctx context.Context, requestID, processor string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLocked(requestID)
	if err != nil {
		return false, nil
	}
	if rec.Status != StateQueued {
		return false, nil
	}

	rec.Status = StateProcessing
	rec.Processor = processor
	rec.UpdatedAt = m.now()

	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	m.entries[requestID] = memoryEntry{raw: raw, expiresAt: m.now().Add(m.ttl)}
	return true, nil
}

// live returns the entry for requestID if present and unexpired, evicting it
// otherwise.
func (m *MemoryStore) live(requestID string) (memoryEntry, bool) {
	entry, ok := m.entries[requestID]
	if !ok {
		return memoryEntry{}, false
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, requestID)
		return memoryEntry{}, false
	}
	return entry, true
}

// putRaw stores an arbitrary payload under requestID. Test hook for the
// corrupt-entry path.
func (m *MemoryStore) putRaw(requestID string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[requestID] = memoryEntry{raw: raw, expiresAt: m.now().Add(m.ttl)}
}
