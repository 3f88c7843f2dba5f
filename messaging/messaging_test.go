package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tokenforge/cryptoutil"
	"tokenforge/transport"
	"tokenforge/wireerr"
)

func mustKey(t *testing.T) *cryptoutil.PrivateKey {
	t.Helper()
	k, err := cryptoutil.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestPingRoundTrip(t *testing.T) {
	relay := transport.NewMemoryRelay()
	serverKey := mustKey(t)
	clientKey := mustKey(t)

	server := NewServer(serverKey, relay, nil, nil)
	server.Router.Handle("ping", func(ctx *HandlerContext, req *Request, rw *ResponseWriter, next func()) {
		rw.Result(map[string]string{"message": "pong"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Listen(ctx); err != nil {
		t.Fatalf("server listen: %v", err)
	}

	client := NewClient(clientKey, relay, nil, nil)
	if err := client.Listen(ctx, nil); err != nil {
		t.Fatalf("client listen: %v", err)
	}

	resp, err := client.Call(ctx, serverKey.PubKey(), "ping", map[string]any{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	var result struct{ Message string }
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Message != "pong" {
		t.Fatalf("expected pong, got %q", result.Message)
	}
}

func TestUnregisteredMethodReturnsMethodNotFound(t *testing.T) {
	relay := transport.NewMemoryRelay()
	serverKey := mustKey(t)
	clientKey := mustKey(t)

	server := NewServer(serverKey, relay, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = server.Listen(ctx)

	client := NewClient(clientKey, relay, nil, nil)
	_ = client.Listen(ctx, nil)

	resp, err := client.Call(ctx, serverKey.PubKey(), "no-such-method", map[string]any{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != wireerr.MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Error)
	}
}

func TestOnlyAuthorizedRejectsUnlisted(t *testing.T) {
	relay := transport.NewMemoryRelay()
	serverKey := mustKey(t)
	clientKey := mustKey(t)

	server := NewServer(serverKey, relay, nil, nil)
	server.Router.Handle("privileged",
		OnlyAuthorized(func(pub string) bool { return false }),
		func(ctx *HandlerContext, req *Request, rw *ResponseWriter, next func()) {
			rw.Result("should not reach here")
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = server.Listen(ctx)

	client := NewClient(clientKey, relay, nil, nil)
	_ = client.Listen(ctx, nil)

	resp, err := client.Call(ctx, serverKey.PubKey(), "privileged", map[string]any{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != wireerr.Forbidden {
		t.Fatalf("expected Forbidden, got %+v", resp.Error)
	}
}

func TestChainExhaustionDefaultsToOK(t *testing.T) {
	relay := transport.NewMemoryRelay()
	serverKey := mustKey(t)
	clientKey := mustKey(t)

	server := NewServer(serverKey, relay, nil, nil)
	called := false
	server.Router.Handle("noop", func(ctx *HandlerContext, req *Request, rw *ResponseWriter, next func()) {
		called = true
		next()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = server.Listen(ctx)

	client := NewClient(clientKey, relay, nil, nil)
	_ = client.Listen(ctx, nil)

	resp, err := client.Call(ctx, serverKey.PubKey(), "noop", map[string]any{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run")
	}
	var status struct{ Status string }
	_ = json.Unmarshal(resp.Result, &status)
	if status.Status != "ok" {
		t.Fatalf("expected default ok status, got %+v", resp.Result)
	}
}

func TestCallTimesOutWhenNoListener(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 30s timeout test in short mode")
	}
	relay := transport.NewMemoryRelay()
	clientKey := mustKey(t)
	unreachable := mustKey(t).PubKey()

	client := NewClient(clientKey, relay, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = client.Listen(ctx, nil)

	start := time.Now()
	_, err := client.Call(ctx, unreachable, "ping", map[string]any{})
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < DefaultTimeout {
		t.Fatal("timeout fired too early")
	}
}
