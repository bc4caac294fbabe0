package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omicronlabs/browserbroker/broker/store"
)

func testRecord(userID, sessionID string) store.SessionRecord {
	return store.SessionRecord{
		UserID:    userID,
		SessionID: sessionID,
		Status:    store.StatusStarting,
		ClaimID:   "claim-1",
		ExpiresAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func strPtr(s string) *string { return &s }

func statusPtr(s store.Status) *store.Status { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("u1", "s1")))

	rec, err := s.Get(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, store.StatusStarting, rec.Status)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.UpdatedAt.IsZero())

	_, err = s.Get(ctx, "u1", "other")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertConflict(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("u1", "s1")))
	err := s.Insert(ctx, testRecord("u1", "s1"))
	assert.ErrorIs(t, err, store.ErrConflict)

	// A different session id under the same user is a distinct row.
	require.NoError(t, s.Insert(ctx, testRecord("u1", "s2")))
}

func TestGetBySession(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("u1", "s1")))

	rec, err := s.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)

	_, err = s.GetBySession(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConditionalUpdateOnClaimID(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("u1", "s1")))

	// Holder of the stored claim id wins.
	ok, err := s.Update(ctx, "u1", "s1",
		store.Filter{ClaimID: strPtr("claim-1")},
		store.Patch{Status: statusPtr(store.StatusReady)})
	require.NoError(t, err)
	assert.True(t, ok)

	// A superseded claim id no longer matches.
	ok, err = s.Update(ctx, "u1", "s1",
		store.Filter{ClaimID: strPtr("stale-claim")},
		store.Patch{Status: statusPtr(store.StatusEnded)})
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.Get(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, rec.Status)
}

func TestUpdateMissingRow(t *testing.T) {
	t.Parallel()
	s := New()

	ok, err := s.Update(context.Background(), "u1", "s1", store.Filter{}, store.Patch{Status: statusPtr(store.StatusEnded)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateAnyFilter(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rec := testRecord("u1", "s1")
	rec.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, s.Insert(ctx, rec))

	// The takeover predicate: expired, terminal, or stuck in starting.
	takeover := store.Filter{Any: []store.Filter{
		{ExpiresBefore: timePtr(now)},
		{StatusIn: []store.Status{store.StatusEnded, store.StatusError}},
		{StartingUpdatedBefore: timePtr(now.Add(-2 * time.Minute))},
	}}

	// A live, fresh starting row matches none of the branches.
	ok, err := s.Update(ctx, "u1", "s1", takeover, store.Patch{ClaimID: strPtr("claim-2")})
	require.NoError(t, err)
	assert.False(t, ok)

	// Mark the row ended; the terminal branch now matches.
	ok, err = s.Update(ctx, "u1", "s1", store.Filter{}, store.Patch{Status: statusPtr(store.StatusEnded)})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Update(ctx, "u1", "s1", takeover, store.Patch{ClaimID: strPtr("claim-2")})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "claim-2", got.ClaimID)
}

func TestStartingUpdatedBeforeRequiresStarting(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	rec := testRecord("u1", "s1")
	rec.Status = store.StatusReady
	rec.ExpiresAt = base.Add(time.Hour)
	require.NoError(t, s.Insert(ctx, rec))

	// Ready rows never match the stale-starting branch even when old.
	ok, err := s.Update(ctx, "u1", "s1",
		store.Filter{StartingUpdatedBefore: timePtr(base.Add(time.Hour))},
		store.Patch{ClaimID: strPtr("claim-2")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateBySession(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("u1", "s1")))

	later := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	ok, err := s.UpdateBySession(ctx, "s1", store.Filter{}, store.Patch{ExpiresAt: timePtr(later)})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, later, rec.ExpiresAt)

	// Unknown sessions report no write, not an error.
	ok, err = s.UpdateBySession(ctx, "unknown", store.Filter{}, store.Patch{ExpiresAt: timePtr(later)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateBySessionScansPastNonMatchingOwners(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	// Two owners share a session id; only u2's row qualifies.
	require.NoError(t, s.Insert(ctx, testRecord("u1", "shared")))
	ready := testRecord("u2", "shared")
	ready.Status = store.StatusReady
	require.NoError(t, s.Insert(ctx, ready))

	later := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	ok, err := s.UpdateBySession(ctx, "shared",
		store.Filter{StatusIn: []store.Status{store.StatusReady}},
		store.Patch{ExpiresAt: timePtr(later)})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "u2", "shared")
	require.NoError(t, err)
	assert.True(t, later.Equal(rec.ExpiresAt))

	// The non-matching row is untouched.
	rec, err = s.Get(ctx, "u1", "shared")
	require.NoError(t, err)
	assert.False(t, later.Equal(rec.ExpiresAt))
}

func TestListExpired(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(sessionID string, status store.Status, expires time.Time) {
		rec := testRecord("u1", sessionID)
		rec.Status = status
		rec.ExpiresAt = expires
		require.NoError(t, s.Insert(ctx, rec))
	}
	mk("expired-ready", store.StatusReady, now.Add(-time.Minute))
	mk("expired-starting", store.StatusStarting, now.Add(-2*time.Minute))
	mk("live", store.StatusReady, now.Add(time.Hour))
	mk("already-ended", store.StatusEnded, now.Add(-time.Hour))

	rows, err := s.ListExpired(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Oldest deadline first.
	assert.Equal(t, "expired-starting", rows[0].SessionID)
	assert.Equal(t, "expired-ready", rows[1].SessionID)

	rows, err = s.ListExpired(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "expired-starting", rows[0].SessionID)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "u1", "s1")
	assert.ErrorIs(t, err, context.Canceled)
	err = s.Insert(ctx, testRecord("u1", "s1"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Update(ctx, "u1", "s1", store.Filter{}, store.Patch{})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestConcurrentInsertSingleWinner verifies that racing inserts for the same
// (user, session) pair produce exactly one row and one winner.
func TestConcurrentInsertSingleWinner(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testRecord("u1", "s1")
			rec.ClaimID = fmt.Sprintf("claim-%d", i)
			if err := s.Insert(ctx, rec); err == nil {
				wins <- rec.ClaimID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	rec, err := s.Get(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], rec.ClaimID)
}

// TestFilterUpdateProperty checks that Update writes if and only if the
// filter matches the stored row.
func TestFilterUpdateProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("update writes iff the filter matches", prop.ForAll(
		func(rowClaim, filterClaim string, rowStatus, filterStatus store.Status, expiresOffset, cutoffOffset int) bool {
			ctx := context.Background()
			s := New()

			rec := testRecord("u1", "s1")
			rec.ClaimID = rowClaim
			rec.Status = rowStatus
			rec.ExpiresAt = now.Add(time.Duration(expiresOffset) * time.Minute)
			if err := s.Insert(ctx, rec); err != nil {
				return false
			}

			cutoff := now.Add(time.Duration(cutoffOffset) * time.Minute)
			filter := store.Filter{
				ClaimID:       &filterClaim,
				StatusIn:      []store.Status{filterStatus},
				ExpiresBefore: &cutoff,
			}

			expected := rowClaim == filterClaim &&
				rowStatus == filterStatus &&
				rec.ExpiresAt.Before(cutoff)

			ok, err := s.Update(ctx, "u1", "s1", filter, store.Patch{Status: statusPtr(store.StatusEnded)})
			if err != nil {
				return false
			}
			if ok != expected {
				return false
			}

			got, err := s.Get(ctx, "u1", "s1")
			if err != nil {
				return false
			}
			if expected {
				return got.Status == store.StatusEnded
			}
			return got.Status == rowStatus
		},
		gen.OneConstOf("claim-a", "claim-b"),
		gen.OneConstOf("claim-a", "claim-b"),
		genStatus(),
		genStatus(),
		gen.IntRange(-60, 60),
		gen.IntRange(-60, 60),
	))

	properties.TestingRun(t)
}

func genStatus() gopter.Gen {
	return gen.OneConstOf(store.StatusStarting, store.StatusReady, store.StatusEnded, store.StatusError)
}
