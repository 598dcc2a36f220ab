package status

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a status record survives without a write. It
// doubles as the dead-job timeout: a claimed job that never reaches a
// terminal state ages out instead of lingering forever.
const DefaultTTL = 30 * time.Minute

// ErrNotFound is returned when no record exists for a request id. Corrupt
// stored entries are reported the same way after being deleted.
var ErrNotFound = errors.New("status record not found")

// Store holds per-job status records with expiry. All cross-worker
// coordination rides on Create and ClaimQueued being atomic per key.
type Store interface {
	// Create writes rec only if no record exists for requestID. The boolean
	// reports whether the write happened.
	Create(ctx context.Context, requestID string, rec *Record) (bool, error)

	// Read returns the current record or ErrNotFound. A structurally invalid
	// stored entry is deleted and reported as ErrNotFound.
	Read(ctx context.Context, requestID string) (*Record, error)

	// Write merges upd into the existing record, preserving CreatedAt,
	// refreshing UpdatedAt and the TTL. If no record exists one is
	// materialized from the update. Terminal records are left untouched.
	Write(ctx context.Context, requestID string, upd Update) (*Record, error)

	// Delete removes the record. Deleting an absent key is not an error.
	Delete(ctx context.Context, requestID string) error

	// ListActive returns all non-expired records using bounded, cursor-based
	// iteration rather than anything that blocks proportional to keyspace.
	ListActive(ctx context.Context) ([]*Record, error)

	// ClaimQueued atomically transitions a record from queued to processing
	// on behalf of processor, preserving CreatedAt. It reports false when the
	// record is absent, corrupt, or no longer queued.
	ClaimQueued(ctx context.Context, requestID, processor string) (bool, error)
}
