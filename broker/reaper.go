package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/omicronlabs/browserbroker/broker/store"
)

const (
	// DefaultReaperInterval is the sweep period when Config leaves it zero.
	DefaultReaperInterval = 30 * time.Second
	// reaperBatchSize bounds one sweep so a backlog never starves live
	// traffic of store throughput.
	reaperBatchSize = 50

	reaperLockKey = "browserbroker:reaper:lock"
)

// Reaper reclaims expired sessions on a fixed interval, independent of any
// single request. With multiple controller replicas a short Redis lock keeps
// the sweeps from piling up; losing the lock, or sweeping twice after a
// lock expiry, is harmless because teardown and mark-ended are retry-safe.
type Reaper struct {
	svc      *Service
	redis    *redis.Client
	interval time.Duration
	id       string
}

// NewReaper creates a reaper over the broker's store and provisioner. rdb
// may be nil for single-replica deployments; every cycle then sweeps.
func NewReaper(svc *Service, rdb *redis.Client, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	return &Reaper{svc: svc, redis: rdb, interval: interval, id: uuid.NewString()}
}

// Run sweeps until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.acquireSweepLock(ctx) {
				continue
			}
			r.Sweep(ctx)
		}
	}
}

// acquireSweepLock takes the cross-replica sweep lock for one interval. The
// lock expires on its own; there is no release path to get wrong.
func (r *Reaper) acquireSweepLock(ctx context.Context) bool {
	if r.redis == nil {
		return true
	}
	ok, err := r.redis.SetNX(ctx, reaperLockKey, r.id, r.interval).Result()
	if err != nil {
		// A broken lock service must not stop reclamation; sweeping
		// concurrently is safe, just wasteful.
		log.Errorf(ctx, err, "reaper lock unavailable, sweeping anyway")
		return true
	}
	return ok
}

// Sweep reclaims one bounded batch of expired rows. One row's failure never
// aborts the batch: a provisioner error marks the row error, a terminal
// state the claim protocol's stale predicate still picks up for takeover,
// and moves on.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.svc.now().UTC()
	rows, err := r.svc.cfg.Store.ListExpired(ctx, now, reaperBatchSize)
	if err != nil {
		log.Errorf(ctx, err, "reaper list expired sessions")
		return
	}
	for _, rec := range rows {
		r.reap(ctx, rec, now)
	}
}

func (r *Reaper) reap(ctx context.Context, rec store.SessionRecord, now time.Time) {
	place := r.svc.placementFor(rec, rec.SessionID)
	if err := r.svc.cfg.Provisioner.Teardown(ctx, place.Namespace, place.PodName, place.ServiceName); err != nil {
		log.Errorf(ctx, err, "reaper teardown session %s", rec.SessionID)
		errored := store.StatusError
		if _, merr := r.svc.cfg.Store.Update(ctx, rec.UserID, rec.SessionID, store.Filter{}, store.Patch{
			Status: &errored,
		}); merr != nil {
			log.Errorf(ctx, merr, "reaper mark session %s error", rec.SessionID)
		}
		return
	}
	ended := store.StatusEnded
	if _, err := r.svc.cfg.Store.Update(ctx, rec.UserID, rec.SessionID, store.Filter{}, store.Patch{
		Status:    &ended,
		ExpiresAt: &now,
	}); err != nil {
		log.Errorf(ctx, err, "reaper retire session %s", rec.SessionID)
	}
}
