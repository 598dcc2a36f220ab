package status

import (
	"time"
)

// State is the lifecycle state of a generation job.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateComplete, StateFailed:
		return true
	}
	return false
}

// Record is the per-job status record held in the status store. RequestID is
// the store key and the correlation token for every downstream message.
type Record struct {
	RequestID string    `json:"requestId"`
	UserID    string    `json:"userId"`
	Status    State     `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Processor string    `json:"processor,omitempty"`
	SetID     string    `json:"setId,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Update is a partial change merged into an existing record by Store.Write.
// Zero-valued fields are left untouched; pointer fields distinguish "unset"
// from "set to zero".
type Update struct {
	Status    State
	Progress  *int
	Message   *string
	Processor *string
	SetID     *string
	Error     *string
}

// Apply merges u into r and reports whether anything changed. Terminal
// records are never mutated, and progress never moves backwards.
func (r *Record) Apply(u Update, now time.Time) bool {
	if r.Status.Terminal() {
		return false
	}

	changed := false

	if u.Status != "" && u.Status != r.Status {
		r.Status = u.Status
		changed = true
	}
	if u.Progress != nil && *u.Progress > r.Progress {
		r.Progress = clampProgress(*u.Progress)
		changed = true
	}
	if u.Message != nil && *u.Message != r.Message {
		r.Message = *u.Message
		changed = true
	}
	if u.Processor != nil && *u.Processor != r.Processor {
		r.Processor = *u.Processor
		changed = true
	}
	if u.SetID != nil && *u.SetID != r.SetID {
		r.SetID = *u.SetID
		changed = true
	}
	if u.Error != nil && *u.Error != r.Error {
		r.Error = *u.Error
		changed = true
	}

	if changed {
		r.UpdatedAt = now
	}
	return changed
}

// materialize builds a record from an update when no prior record exists.
// This keeps Write usable after a fail-open claim where the initial create
// never reached the store.
func materialize(requestID string, u Update, now time.Time) *Record {
	rec := &Record{
		RequestID: requestID,
		Status:    StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if u.Status != "" {
		rec.Status = u.Status
	}
	if u.Progress != nil {
		rec.Progress = clampProgress(*u.Progress)
	}
	if u.Message != nil {
		rec.Message = *u.Message
	}
	if u.Processor != nil {
		rec.Processor = *u.Processor
	}
	if u.SetID != nil {
		rec.SetID = *u.SetID
	}
	if u.Error != nil {
		rec.Error = *u.Error
	}
	return rec
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Int returns a pointer to v, for building Updates.
func Int(v int) *int { return &v }

// Str returns a pointer to v, for building Updates.
func Str(v string) *string { return &v }
