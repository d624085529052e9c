package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/capmesh/capmesh/transport"
)

func newTestRequester(t *testing.T, bus transport.Bus, id string) *Requester {
	t.Helper()
	req := NewRequester(bus, id, nil, nil)
	if err := req.Start(context.Background()); err != nil {
		t.Fatalf("failed to start requester: %v", err)
	}
	t.Cleanup(func() { _ = req.Close() })
	return req
}

func serveEcho(t *testing.T, bus transport.Bus, id, endpoint string) *Replier {
	t.Helper()
	rep := NewReplier(bus, id, nil, nil)
	if err := rep.Serve(endpoint, func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}); err != nil {
		t.Fatalf("failed to serve: %v", err)
	}
	t.Cleanup(func() { _ = rep.Close() })
	return rep
}

func TestRPC_Roundtrip(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	rep := NewReplier(bus, "s1", nil, nil)
	defer rep.Close()
	err := rep.Serve("s1/add", func(ctx context.Context, payload []byte) ([]byte, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"sum": in.A + in.B})
	})
	if err != nil {
		t.Fatalf("failed to serve: %v", err)
	}

	req := newTestRequester(t, bus, "a1")
	reply, err := req.Call(context.Background(), "s1/add", []byte(`{"A":2,"B":3}`), 5*time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if reply.Status != StatusOK {
		t.Fatalf("expected StatusOK, got %s", reply.Status)
	}
	var out struct{ Sum int }
	if err := json.Unmarshal(reply.Payload, &out); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if out.Sum != 5 {
		t.Errorf("expected sum 5, got %d", out.Sum)
	}
}

func TestRPC_ConcurrentCallsCorrelateCorrectly(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	serveEcho(t, bus, "s1", "s1/echo")
	req := newTestRequester(t, bus, "a1")

	const calls = 100
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := strconv.Itoa(i)
			reply, err := req.Call(context.Background(), "s1/echo", []byte(want), 10*time.Second)
			if err != nil {
				errs <- fmt.Errorf("call %d failed: %w", i, err)
				return
			}
			if string(reply.Payload) != want {
				errs <- fmt.Errorf("call %d got reply %q", i, reply.Payload)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRPC_RemoteError(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	rep := NewReplier(bus, "s1", nil, nil)
	defer rep.Close()
	if err := rep.Serve("s1/fail", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("division by zero")
	}); err != nil {
		t.Fatalf("failed to serve: %v", err)
	}

	req := newTestRequester(t, bus, "a1")
	reply, err := req.Call(context.Background(), "s1/fail", nil, 5*time.Second)

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Endpoint != "s1/fail" || remote.Message != "division by zero" {
		t.Errorf("unexpected remote error: %+v", remote)
	}
	if reply == nil || reply.Status != StatusError {
		t.Errorf("expected StatusError reply alongside the error, got %+v", reply)
	}
}

func TestRPC_TimeoutWhenNobodyServes(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	req := newTestRequester(t, bus, "a1")
	_, err := req.Call(context.Background(), "nobody/home", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRPC_ContextCancellation(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	req := newTestRequester(t, bus, "a1")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := req.Call(ctx, "nobody/home", nil, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRPC_PanicRecovery(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	rep := NewReplier(bus, "s1", nil, nil)
	defer rep.Close()
	var healthy bool
	var mu sync.Mutex
	err := rep.Serve("s1/flaky", func(ctx context.Context, payload []byte) ([]byte, error) {
		if string(payload) == "boom" {
			panic("unexpected state")
		}
		mu.Lock()
		healthy = true
		mu.Unlock()
		return []byte("ok"), nil
	})
	if err != nil {
		t.Fatalf("failed to serve: %v", err)
	}

	req := newTestRequester(t, bus, "a1")

	_, err = req.Call(context.Background(), "s1/flaky", []byte("boom"), 5*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError from panicking handler, got %v", err)
	}

	// The replier keeps serving after the panic.
	reply, err := req.Call(context.Background(), "s1/flaky", []byte("fine"), 5*time.Second)
	if err != nil {
		t.Fatalf("call after panic failed: %v", err)
	}
	if string(reply.Payload) != "ok" {
		t.Errorf("unexpected reply: %q", reply.Payload)
	}
	mu.Lock()
	defer mu.Unlock()
	if !healthy {
		t.Error("handler did not run after the panic")
	}
}

func TestRPC_FirstReplyWins(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	// Three repliers serve the same endpoint; every one answers, the caller
	// keeps exactly one reply and discards the rest.
	for i := 0; i < 3; i++ {
		rep := NewReplier(bus, fmt.Sprintf("s%d", i), nil, nil)
		defer rep.Close()
		answer := []byte(fmt.Sprintf("from-s%d", i))
		if err := rep.Serve("shared/echo", func(ctx context.Context, payload []byte) ([]byte, error) {
			return answer, nil
		}); err != nil {
			t.Fatalf("failed to serve replica %d: %v", i, err)
		}
	}

	req := newTestRequester(t, bus, "a1")
	reply, err := req.Call(context.Background(), "shared/echo", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if reply.Status != StatusOK {
		t.Fatalf("expected StatusOK, got %s", reply.Status)
	}
	switch string(reply.Payload) {
	case "from-s0", "from-s1", "from-s2":
	default:
		t.Errorf("unexpected reply payload %q", reply.Payload)
	}

	// Give the late duplicates time to arrive; they must be discarded without
	// disturbing a subsequent call.
	time.Sleep(50 * time.Millisecond)
	if _, err := req.Call(context.Background(), "shared/echo", nil, 5*time.Second); err != nil {
		t.Fatalf("follow-up call failed: %v", err)
	}
}

func TestRPC_ReplySurvivesExhaustedHandlerBudget(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	cfg := DefaultReplierConfig()
	cfg.HandlerTimeout = 50 * time.Millisecond
	rep := NewReplier(bus, "s1", cfg, nil)
	defer rep.Close()
	// The handler returns a success only once its entire budget is gone; the
	// reply publish must not ride on that spent deadline.
	err := rep.Serve("s1/slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return []byte(`"done"`), nil
	})
	if err != nil {
		t.Fatalf("failed to serve: %v", err)
	}

	req := newTestRequester(t, bus, "a1")
	reply, err := req.Call(context.Background(), "s1/slow", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if reply.Status != StatusOK {
		t.Fatalf("expected StatusOK, got %s", reply.Status)
	}
}

func TestRPC_ServeDuplicateEndpoint(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	rep := NewReplier(bus, "s1", nil, nil)
	defer rep.Close()
	noop := func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil }
	if err := rep.Serve("s1/x", noop); err != nil {
		t.Fatalf("failed to serve: %v", err)
	}
	if err := rep.Serve("s1/x", noop); err == nil {
		t.Fatal("expected error serving the same endpoint twice")
	}
}

func TestRPC_StopEndpoint(t *testing.T) {
	bus := transport.NewInprocBus(nil, nil)
	defer bus.Close()

	rep := serveEcho(t, bus, "s1", "s1/echo")
	req := newTestRequester(t, bus, "a1")

	if _, err := req.Call(context.Background(), "s1/echo", []byte("hi"), 5*time.Second); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if err := rep.Stop("s1/echo"); err != nil {
		t.Fatalf("failed to stop endpoint: %v", err)
	}
	if _, err := req.Call(context.Background(), "s1/echo", []byte("hi"), 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout after stop, got %v", err)
	}
}
