package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/logger"
	"github.com/geyang/zaku/pkg/queue"
	"github.com/geyang/zaku/pkg/store/redisstore"
)

func TestReaperRestoresExpiredClaimToPending(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer s.Close()

	st := redisstore.New(s.Addr(), "", "zaku")
	engine := queue.NewEngine(st)
	ctx := context.Background()

	idX, err := engine.Add(ctx, "q1", codec.Null(), "", 0.5)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, ok, err := engine.Take(ctx, "q1", 500*time.Millisecond); err != nil || !ok {
		t.Fatalf("Take: ok=%v err=%v", ok, err)
	}

	r := New(st, 50*time.Millisecond, logger.New(false, false), nil)
	runCtx, cancel := context.WithCancel(ctx)
	go r.Run(runCtx)
	defer cancel()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, ok, err := engine.Take(ctx, "q1", time.Minute)
		if err != nil {
			t.Fatalf("Take after reap: %v", err)
		}
		if ok {
			if task.ID != idX {
				t.Fatalf("expected reaped id %q, got %q", idX, task.ID)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for reaper to restore the expired claim")
}
