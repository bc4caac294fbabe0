// Package store defines the persistence layer for browser session records.
//
// The Store interface abstracts session row storage, allowing different
// backend implementations. Available implementations:
//
//   - memory: In-memory store for development and testing
//   - mongo: MongoDB store for production persistence
//
// The one capability every backend must provide is an atomic
// read-filter-then-write primitive: Update applies a patch to a row only if
// the row still matches the given filter at write time. The claim protocol
// builds its fencing-token discipline entirely on that primitive.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a browser session row.
type Status string

const (
	// StatusStarting marks a row whose runner is being provisioned.
	StatusStarting Status = "starting"
	// StatusReady marks a row whose runner endpoint is reachable.
	StatusReady Status = "ready"
	// StatusEnded marks a row whose runner has been reclaimed.
	StatusEnded Status = "ended"
	// StatusError marks a row whose reclamation failed; it remains
	// eligible for takeover by a later claim.
	StatusError Status = "error"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusReady, StatusEnded, StatusError:
		return true
	}
	return false
}

// ParseStatus converts a raw string into a Status, rejecting values outside
// the defined set. Store implementations use it at the decode boundary so a
// corrupt row surfaces as an error instead of an unknown state.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid session status %q", raw)
	}
	return s, nil
}

// SessionRecord is one row per (owning user, logical session) pair. The
// logical session id is supplied by the caller and opaque to the broker.
type SessionRecord struct {
	// ID is the backend-assigned row identifier.
	ID string
	// UserID owns the session.
	UserID string
	// SessionID is the caller-supplied logical session id. (UserID,
	// SessionID) is unique.
	SessionID string

	Status Status
	// ClaimID is the fencing token minted fresh on every successful
	// claim. Only the holder of the stored ClaimID (or a stale-row
	// takeover) may transition the row.
	ClaimID string

	// Placement, all deterministically derived from SessionID and
	// computed before the resources exist.
	Namespace   string
	PodName     string
	ServiceName string
	MCPURL      string

	// ArtifactsPrefix is an optional output-storage hint passed to the
	// runner's uploader sidecar.
	ArtifactsPrefix string

	// ExpiresAt is the advisory lease deadline. Heartbeats extend it; the
	// reaper acts on it. It never grants access.
	ExpiresAt  time.Time
	LastUsedAt time.Time
	UpdatedAt  time.Time
}

// ErrNotFound is returned when no row exists for the requested session.
var ErrNotFound = errors.New("browser session not found")

// ErrConflict is returned by Insert when a row already exists for the
// (user, session) pair. Callers treat it as a lost claim race, not a failure.
var ErrConflict = errors.New("browser session already exists")

// Filter constrains a conditional update. Leaf fields are ANDed together;
// Any, when set, matches rows satisfying at least one sub-filter. An empty
// Filter matches the row unconditionally.
type Filter struct {
	// ClaimID matches rows whose stored claim id equals the value.
	ClaimID *string
	// StatusIn matches rows whose status is in the set.
	StatusIn []Status
	// ExpiresBefore matches rows whose lease deadline has passed t.
	ExpiresBefore *time.Time
	// StartingUpdatedBefore matches rows stuck in starting with no write
	// since t (the stale-starting window).
	StartingUpdatedBefore *time.Time
	// Any matches rows satisfying at least one sub-filter.
	Any []Filter
}

// Patch carries the typed field updates of a conditional write. Nil fields
// are left untouched. UpdatedAt is always stamped by the store.
type Patch struct {
	Status          *Status
	ClaimID         *string
	Namespace       *string
	PodName         *string
	ServiceName     *string
	MCPURL          *string
	ArtifactsPrefix *string
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
}

// Store defines the persistence layer for session records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the row for (user, session). Returns ErrNotFound if
	// no row exists.
	Get(ctx context.Context, userID, sessionID string) (SessionRecord, error)

	// GetBySession retrieves the row for a logical session id regardless
	// of owner. Heartbeat and delete are keyed by session id alone.
	GetBySession(ctx context.Context, sessionID string) (SessionRecord, error)

	// Insert creates the row for (rec.UserID, rec.SessionID). Returns
	// ErrConflict if a row already exists for the pair.
	Insert(ctx context.Context, rec SessionRecord) error

	// Update atomically applies patch to the (user, session) row if and
	// only if the row still matches filter at write time. It reports
	// whether a row was written; false means the row is absent or the
	// filter no longer matches (a lost race, not an error).
	Update(ctx context.Context, userID, sessionID string, filter Filter, patch Patch) (bool, error)

	// UpdateBySession is Update keyed by session id alone. Used by the
	// heartbeat and delete paths, which do not carry an owner.
	UpdateBySession(ctx context.Context, sessionID string, filter Filter, patch Patch) (bool, error)

	// ListExpired returns up to limit rows whose lease deadline has
	// passed now and whose status is starting or ready.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]SessionRecord, error)
}
