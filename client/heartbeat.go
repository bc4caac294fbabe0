package client

import (
	"context"
	"time"

	"goa.design/clue/log"
)

// DefaultHeartbeatInterval keeps a session alive well within the default
// 10 minute lease.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatRunner extends a session's lease at a fixed interval while the
// caller is using it. Failures are logged and swallowed: a missed beat is
// recoverable for as long as the lease has not yet expired, and a reclaimed
// session simply gets reprovisioned on the next acquire.
type HeartbeatRunner struct {
	client    *Client
	sessionID string
	interval  time.Duration
	ttl       time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewHeartbeatRunner creates a runner for sessionID. interval defaults to
// DefaultHeartbeatInterval; ttl <= 0 takes the controller's default.
func NewHeartbeatRunner(client *Client, sessionID string, interval, ttl time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		client:    client,
		sessionID: sessionID,
		interval:  interval,
		ttl:       ttl,
	}
}

// Start launches the heartbeat loop. It returns immediately; the loop runs
// until Stop is called or ctx is canceled.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop halts the loop and waits for it to exit. It never deletes the
// session: the controller's reaper owns teardown.
func (h *HeartbeatRunner) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *HeartbeatRunner) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.client.Heartbeat(ctx, h.sessionID, h.ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf(ctx, err, "heartbeat for session %s failed", h.sessionID)
			}
		}
	}
}
