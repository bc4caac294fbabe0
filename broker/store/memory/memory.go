// Package memory provides an in-memory implementation of the session store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omicronlabs/browserbroker/broker/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	rows map[key]*store.SessionRecord
	now  func() time.Time
}

type key struct {
	userID    string
	sessionID string
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		rows: make(map[key]*store.SessionRecord),
		now:  time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get retrieves the row for (user, session).
func (s *Store) Get(ctx context.Context, userID, sessionID string) (store.SessionRecord, error) {
	select {
	case <-ctx.Done():
		return store.SessionRecord{}, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key{userID, sessionID}]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return *rec, nil
}

// GetBySession retrieves the row for a logical session id regardless of owner.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	select {
	case <-ctx.Done():
		return store.SessionRecord{}, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.rows {
		if k.sessionID == sessionID {
			return *rec, nil
		}
	}
	return store.SessionRecord{}, store.ErrNotFound
}

// Insert creates the row, failing with ErrConflict if it already exists.
func (s *Store) Insert(ctx context.Context, rec store.SessionRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{rec.UserID, rec.SessionID}
	if _, ok := s.rows[k]; ok {
		return store.ErrConflict
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.UpdatedAt = s.now().UTC()
	s.rows[k] = &rec
	return nil
}

// Update applies patch iff the row still matches filter.
func (s *Store) Update(ctx context.Context, userID, sessionID string, filter store.Filter, patch store.Patch) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key{userID, sessionID}]
	if !ok {
		return false, nil
	}
	if !matches(*rec, filter) {
		return false, nil
	}
	apply(rec, patch)
	rec.UpdatedAt = s.now().UTC()
	return true, nil
}

// UpdateBySession is Update keyed by session id alone. The scan covers every
// row carrying the session id and patches the first whose filter matches, so
// a non-matching row under one user never shadows a matching row under
// another.
func (s *Store) UpdateBySession(ctx context.Context, sessionID string, filter store.Filter, patch store.Patch) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.rows {
		if k.sessionID != sessionID || !matches(*rec, filter) {
			continue
		}
		apply(rec, patch)
		rec.UpdatedAt = s.now().UTC()
		return true, nil
	}
	return false, nil
}

// ListExpired returns up to limit expired starting/ready rows.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]store.SessionRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SessionRecord
	for _, rec := range s.rows {
		if rec.Status != store.StatusStarting && rec.Status != store.StatusReady {
			continue
		}
		if !rec.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(rec store.SessionRecord, f store.Filter) bool {
	if len(f.Any) > 0 {
		for _, sub := range f.Any {
			if matches(rec, sub) {
				return true
			}
		}
		return false
	}
	if f.ClaimID != nil && rec.ClaimID != *f.ClaimID {
		return false
	}
	if len(f.StatusIn) > 0 {
		found := false
		for _, st := range f.StatusIn {
			if rec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ExpiresBefore != nil && !rec.ExpiresAt.Before(*f.ExpiresBefore) {
		return false
	}
	if f.StartingUpdatedBefore != nil {
		if rec.Status != store.StatusStarting || !rec.UpdatedAt.Before(*f.StartingUpdatedBefore) {
			return false
		}
	}
	return true
}

func apply(rec *store.SessionRecord, p store.Patch) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ClaimID != nil {
		rec.ClaimID = *p.ClaimID
	}
	if p.Namespace != nil {
		rec.Namespace = *p.Namespace
	}
	if p.PodName != nil {
		rec.PodName = *p.PodName
	}
	if p.ServiceName != nil {
		rec.ServiceName = *p.ServiceName
	}
	if p.MCPURL != nil {
		rec.MCPURL = *p.MCPURL
	}
	if p.ArtifactsPrefix != nil {
		rec.ArtifactsPrefix = *p.ArtifactsPrefix
	}
	if p.ExpiresAt != nil {
		rec.ExpiresAt = *p.ExpiresAt
	}
	if p.LastUsedAt != nil {
		rec.LastUsedAt = *p.LastUsedAt
	}
}
