package mcp

import (
	"context"
	"sync"
)

// ConnectFunc acquires a lease and dials the runner, returning a live
// Caller. The LazyCaller invokes it at most once per successful connect.
type ConnectFunc func(ctx context.Context) (Caller, error)

// LazyCaller defers runner provisioning until first use. The first ListTools
// triggers exactly one connect even under concurrent callers; CallTool before
// a successful connect fails fast with ErrNotConnected instead of silently
// acquiring. Each LazyCaller owns its own cached connection, so independent
// instances never share provisioning state.
type LazyCaller struct {
	connect ConnectFunc

	mu     sync.Mutex
	caller Caller
}

// Compile-time check that LazyCaller implements Caller.
var _ Caller = (*LazyCaller)(nil)

// NewLazyCaller wraps connect in a single-flight lazy Caller.
func NewLazyCaller(connect ConnectFunc) *LazyCaller {
	return &LazyCaller{connect: connect}
}

// ListTools connects on first use and lists the runner's tools.
func (l *LazyCaller) ListTools(ctx context.Context) ([]Tool, error) {
	caller, err := l.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	return caller.ListTools(ctx)
}

// CallTool invokes a tool on the cached connection. A prior successful
// ListTools is required.
func (l *LazyCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	l.mu.Lock()
	caller := l.caller
	l.mu.Unlock()
	if caller == nil {
		return CallResponse{}, ErrNotConnected
	}
	return caller.CallTool(ctx, req)
}

// Connected reports whether a runner connection is cached.
func (l *LazyCaller) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caller != nil
}

// Close releases the cached connection. It deliberately never deletes the
// controller session: teardown is the TTL/reaper's decision, and the caller
// may reconnect to the same logical session later.
func (l *LazyCaller) Close() {
	l.mu.Lock()
	l.caller = nil
	l.mu.Unlock()
}

func (l *LazyCaller) ensureConnected(ctx context.Context) (Caller, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caller != nil {
		return l.caller, nil
	}
	caller, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	l.caller = caller
	return caller, nil
}
