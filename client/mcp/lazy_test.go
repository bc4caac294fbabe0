package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type stubCaller struct {
	tools []Tool
	calls int32
}

func (s *stubCaller) ListTools(ctx context.Context) ([]Tool, error) {
	return s.tools, nil
}

func (s *stubCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	atomic.AddInt32(&s.calls, 1)
	return CallResponse{Result: json.RawMessage(`{"ok":true}`)}, nil
}

func TestLazyCallerConnectsOnce(t *testing.T) {
	t.Parallel()
	var connects int32
	stub := &stubCaller{tools: []Tool{{Name: "browser_navigate"}}}
	lazy := NewLazyCaller(func(ctx context.Context) (Caller, error) {
		atomic.AddInt32(&connects, 1)
		return stub, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := lazy.ListTools(context.Background())
			if err != nil {
				t.Errorf("list tools: %v", err)
				return
			}
			if len(tools) != 1 {
				t.Errorf("expected 1 tool, got %d", len(tools))
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&connects); got != 1 {
		t.Fatalf("expected exactly one connect, got %d", got)
	}
	if !lazy.Connected() {
		t.Fatal("expected caller to be connected")
	}
}

func TestLazyCallerCallToolBeforeConnect(t *testing.T) {
	t.Parallel()
	lazy := NewLazyCaller(func(ctx context.Context) (Caller, error) {
		t.Fatal("connect must not run on CallTool")
		return nil, nil
	})
	_, err := lazy.CallTool(context.Background(), CallRequest{Tool: "browser_click"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestLazyCallerConnectFailureRetries(t *testing.T) {
	t.Parallel()
	var connects int32
	stub := &stubCaller{}
	lazy := NewLazyCaller(func(ctx context.Context) (Caller, error) {
		if atomic.AddInt32(&connects, 1) == 1 {
			return nil, errors.New("provisioning failed")
		}
		return stub, nil
	})

	if _, err := lazy.ListTools(context.Background()); err == nil {
		t.Fatal("expected first connect to fail")
	}
	if lazy.Connected() {
		t.Fatal("failed connect must not cache a caller")
	}
	if _, err := lazy.ListTools(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := atomic.LoadInt32(&connects); got != 2 {
		t.Fatalf("expected 2 connect attempts, got %d", got)
	}
}

func TestLazyCallerCloseReleasesConnection(t *testing.T) {
	t.Parallel()
	stub := &stubCaller{}
	lazy := NewLazyCaller(func(ctx context.Context) (Caller, error) {
		return stub, nil
	})
	if _, err := lazy.ListTools(context.Background()); err != nil {
		t.Fatalf("list tools: %v", err)
	}
	lazy.Close()
	if lazy.Connected() {
		t.Fatal("expected connection to be released")
	}
	if _, err := lazy.CallTool(context.Background(), CallRequest{Tool: "browser_click"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after Close, got %v", err)
	}
}
