package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/omicronlabs/browserbroker/broker/provision"
	"github.com/omicronlabs/browserbroker/broker/store"
)

// Acquire returns a Lease for (user, session), provisioning a runner if none
// is live. It is idempotent and safe under concurrent callers for the same
// pair, including callers on different controller replicas: the only writer
// recognized as legitimate at any instant is whoever holds the claim id
// matching the stored row, or whoever performs a predicate-filtered takeover
// of a stale row.
func (s *Service) Acquire(ctx context.Context, userID, sessionID string, ttl time.Duration) (Lease, error) {
	if userID == "" || sessionID == "" {
		return Lease{}, errors.New("user and session ids are required")
	}
	now := s.now().UTC()
	leaseTTL := s.leaseTTL(ttl)
	expiresAt := now.Add(leaseTTL)
	place := s.placement(sessionID)

	rec, err := s.cfg.Store.Get(ctx, userID, sessionID)
	switch {
	case err == nil:
		// Fast path: a live lease just gets extended. Losing the
		// conditional extension race is harmless; the lease is
		// already valid.
		if rec.Status == store.StatusReady && rec.ExpiresAt.After(now) && rec.MCPURL != "" {
			claim := rec.ClaimID
			if _, err := s.cfg.Store.Update(ctx, userID, sessionID,
				store.Filter{ClaimID: &claim},
				store.Patch{ExpiresAt: &expiresAt, LastUsedAt: &now},
			); err != nil {
				return Lease{}, fmt.Errorf("extend session %q: %w", sessionID, err)
			}
			return Lease{SessionID: sessionID, MCPURL: rec.MCPURL, ExpiresAt: expiresAt, Status: store.StatusReady}, nil
		}
	case errors.Is(err, store.ErrNotFound):
		// Fall through to the insert path.
	default:
		return Lease{}, fmt.Errorf("read session %q: %w", sessionID, err)
	}

	claimID := uuid.NewString()
	claimed := false

	if errors.Is(err, store.ErrNotFound) {
		insertErr := s.cfg.Store.Insert(ctx, store.SessionRecord{
			UserID:          userID,
			SessionID:       sessionID,
			Status:          store.StatusStarting,
			ClaimID:         claimID,
			Namespace:       place.Namespace,
			PodName:         place.PodName,
			ServiceName:     place.ServiceName,
			MCPURL:          place.MCPURL,
			ArtifactsPrefix: s.artifactsPrefix(sessionID),
			ExpiresAt:       expiresAt,
			LastUsedAt:      now,
		})
		switch {
		case insertErr == nil:
			claimed = true
		case errors.Is(insertErr, store.ErrConflict):
			// Another caller won the insert race.
		default:
			return Lease{}, fmt.Errorf("insert session %q: %w", sessionID, insertErr)
		}
	} else {
		// The row exists but is not a live lease: attempt a stale
		// takeover. The filter re-checks staleness at write time, so a
		// concurrent takeover or a revived heartbeat loses us the race
		// by matching zero rows.
		staleCutoff := now.Add(-s.cfg.StaleStarting)
		won, updErr := s.cfg.Store.Update(ctx, userID, sessionID,
			store.Filter{Any: []store.Filter{
				{ExpiresBefore: &now},
				{StatusIn: []store.Status{store.StatusEnded, store.StatusError}},
				{StartingUpdatedBefore: &staleCutoff},
			}},
			takeoverPatch(claimID, place, s.artifactsPrefix(sessionID), expiresAt, now),
		)
		if updErr != nil {
			return Lease{}, fmt.Errorf("claim session %q: %w", sessionID, updErr)
		}
		claimed = won
	}

	if !claimed {
		return s.pollReady(ctx, userID, sessionID)
	}
	return s.provisionOwned(ctx, userID, sessionID, claimID, place, expiresAt)
}

// pollReady waits, bounded, for another claim's provisioning to finish.
func (s *Service) pollReady(ctx context.Context, userID, sessionID string) (Lease, error) {
	deadline := s.now().Add(s.cfg.PollDeadline)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rec, err := s.cfg.Store.Get(ctx, userID, sessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Lease{}, fmt.Errorf("poll session %q: %w", sessionID, err)
		}
		if err == nil && rec.Status == store.StatusReady && rec.MCPURL != "" && rec.ExpiresAt.After(s.now()) {
			return Lease{SessionID: sessionID, MCPURL: rec.MCPURL, ExpiresAt: rec.ExpiresAt, Status: store.StatusReady}, nil
		}
		if !s.now().Before(deadline) {
			return Lease{}, ErrStillStarting
		}
		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// provisionOwned runs the provisioning sequence for a claim this caller won.
func (s *Service) provisionOwned(ctx context.Context, userID, sessionID, claimID string, place RunnerIdentity, expiresAt time.Time) (Lease, error) {
	runnerToken, err := s.cfg.RunnerTokens.IssueRunner(userID, sessionID)
	if err != nil {
		return Lease{}, fmt.Errorf("mint runner token for session %q: %w", sessionID, err)
	}
	selector := map[string]string{"app": runnerAppLabel, "session": place.PodName}
	if err := s.cfg.Provisioner.EnsureService(ctx, place.Namespace, place.ServiceName, s.cfg.RunnerPort, selector); err != nil {
		// The row stays in starting; the stale window is the backstop
		// that eventually reclaims it.
		return Lease{}, fmt.Errorf("provision session %q: %w", sessionID, err)
	}
	if err := s.cfg.Provisioner.EnsurePod(ctx, s.runnerPodSpec(place, runnerToken, sessionID)); err != nil {
		return Lease{}, fmt.Errorf("provision session %q: %w", sessionID, err)
	}
	if err := s.cfg.Provisioner.WaitReady(ctx, place.Namespace, place.PodName, s.cfg.StartupTimeout); err != nil {
		return Lease{}, fmt.Errorf("provision session %q: %w", sessionID, err)
	}

	now := s.now().UTC()
	ready := store.StatusReady
	won, err := s.cfg.Store.Update(ctx, userID, sessionID,
		store.Filter{ClaimID: &claimID},
		store.Patch{Status: &ready, ExpiresAt: &expiresAt, LastUsedAt: &now},
	)
	if err != nil {
		return Lease{}, fmt.Errorf("mark session %q ready: %w", sessionID, err)
	}
	if !won {
		// A newer claim superseded this one after the stale window
		// elapsed mid-provisioning. Drop the write; the new owner or
		// the reaper deals with the abandoned resources.
		log.Printf(ctx, "claim %s superseded for session %s", claimID, sessionID)
	}
	return Lease{SessionID: sessionID, MCPURL: place.MCPURL, ExpiresAt: expiresAt, Status: store.StatusReady}, nil
}

func (s *Service) runnerPodSpec(place RunnerIdentity, runnerToken, sessionID string) provision.PodSpec {
	return provision.PodSpec{
		Namespace:       place.Namespace,
		Name:            place.PodName,
		Image:           s.cfg.RunnerImage,
		ServiceAccount:  s.cfg.RunnerServiceAccount,
		Port:            s.cfg.RunnerPort,
		ControllerURL:   s.cfg.ControllerURL,
		BrokerToken:     runnerToken,
		ArtifactsBucket: s.cfg.ArtifactsBucket,
		ArtifactsPrefix: s.artifactsPrefix(sessionID),
	}
}

func takeoverPatch(claimID string, place RunnerIdentity, artifactsPrefix string, expiresAt, now time.Time) store.Patch {
	starting := store.StatusStarting
	return store.Patch{
		Status:          &starting,
		ClaimID:         &claimID,
		Namespace:       &place.Namespace,
		PodName:         &place.PodName,
		ServiceName:     &place.ServiceName,
		MCPURL:          &place.MCPURL,
		ArtifactsPrefix: &artifactsPrefix,
		ExpiresAt:       &expiresAt,
		LastUsedAt:      &now,
	}
}
