package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/geyang/zaku/pkg/client"
	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/logger"
	"github.com/geyang/zaku/pkg/pubsub"
	"github.com/geyang/zaku/pkg/queue"
	"github.com/geyang/zaku/pkg/store/redisstore"
	"github.com/geyang/zaku/pkg/transport"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	st := redisstore.New(mr.Addr(), "", "zaku")
	engine := queue.NewEngine(st)
	fabric := pubsub.New()
	srv := transport.NewServer(engine, fabric, logger.New(false, false), nil, "", "")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
}

func dialTestClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr, "", "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientAddTakeMarkDone(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	ctx := context.Background()

	m := codec.NewMap()
	m.Set("greeting", codec.String("hello"))
	id, err := c.Add(ctx, "jobs", codec.MapValue(m), "", 0)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	gotID, payload, ok, err := c.Take(ctx, "jobs", time.Minute)
	if err != nil || !ok || gotID != id {
		t.Fatalf("Take: id=%q ok=%v err=%v", gotID, ok, err)
	}
	pm, _ := payload.AsMap()
	greeting, _ := pm.Get("greeting")
	s, _ := greeting.AsString()
	if s != "hello" {
		t.Errorf("expected greeting=hello, got %q", s)
	}

	if err := c.MarkDone(ctx, "jobs", gotID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
}

func TestClientScopedPopReleasesOnSuccess(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	ctx := context.Background()

	if _, err := c.Add(ctx, "jobs", codec.Int(42), "", 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var seen int64
	ok, err := c.Pop(ctx, "jobs", time.Minute, func(ctx context.Context, job *client.Job) error {
		v, _ := job.Payload.AsInt()
		seen = v
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}
	if seen != 42 {
		t.Errorf("expected 42, got %d", seen)
	}

	pending, claimed, err := c.Depths(ctx, "jobs")
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if pending != 0 || claimed != 0 {
		t.Errorf("expected the task to be gone after Pop, got pending=%d claimed=%d", pending, claimed)
	}
}

func TestClientScopedPopResetsOnError(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	ctx := context.Background()

	if _, err := c.Add(ctx, "jobs", codec.Int(1), "", 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err := c.Pop(ctx, "jobs", time.Minute, func(ctx context.Context, job *client.Job) error {
		return context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected Pop to propagate the callback error")
	}

	pending, claimed, err := c.Depths(ctx, "jobs")
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if pending != 1 || claimed != 0 {
		t.Errorf("expected the task reset back to pending, got pending=%d claimed=%d", pending, claimed)
	}
}

func TestClientRPCRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	caller := dialTestClient(t, addr)
	worker := dialTestClient(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go worker.Serve(serveCtx, "rpc_queue", time.Minute, 10*time.Millisecond, func(ctx context.Context, payload *codec.Value) (*codec.Value, error) {
		m, _ := payload.AsMap()
		x, _ := m.Get("x")
		xi, _ := x.AsInt()
		result := codec.NewMap()
		result.Set("result", codec.Int(xi*2))
		return codec.MapValue(result), nil
	})

	req := codec.NewMap()
	req.Set("x", codec.Int(21))
	reply, err := caller.Call(ctx, "rpc_queue", codec.MapValue(req), 2*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	rm, ok := reply.AsMap()
	if !ok {
		t.Fatal("expected a map reply")
	}
	result, _ := rm.Get("result")
	ri, _ := result.AsInt()
	if ri != 42 {
		t.Errorf("expected result=42, got %d", ri)
	}
}

func TestClientSubscribeStreamReceivesMultipleEvents(t *testing.T) {
	addr := startTestServer(t)
	subscriber := dialTestClient(t, addr)
	publisher := dialTestClient(t, addr)
	ctx := context.Background()

	sub, err := subscriber.Subscribe(ctx, "stream-topic", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	for i := 0; i < 3; i++ {
		if _, err := publisher.Publish(ctx, "stream-topic", codec.Int(int64(i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case v := <-sub.Events:
			vi, _ := v.AsInt()
			if vi != int64(i) {
				t.Errorf("expected event %d, got %d", i, vi)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
