package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/store/redisstore"
	"github.com/geyang/zaku/pkg/zakuerr"
)

func setupTestEngine(t *testing.T) (*miniredis.Miniredis, *Engine) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return s, NewEngine(redisstore.New(s.Addr(), "", "zaku"))
}

func TestEmptyTakeReturnsNullNotError(t *testing.T) {
	_, e := setupTestEngine(t)
	ctx := context.Background()

	if err := e.InitQueue(ctx, "q1"); err != nil {
		t.Fatalf("InitQueue: %v", err)
	}
	task, ok, err := e.Take(ctx, "q1", time.Minute)
	if err != nil {
		t.Fatalf("expected no error on empty take, got %v", err)
	}
	if ok || task != nil {
		t.Fatalf("expected ok=false and nil task, got ok=%v task=%+v", ok, task)
	}
}

func TestFIFOSingleClaimant(t *testing.T) {
	_, e := setupTestEngine(t)
	ctx := context.Background()

	mapA := codec.NewMap()
	mapA.Set("a", codec.Int(1))
	idX, err := e.Add(ctx, "q1", codec.MapValue(mapA), "", 0)
	if err != nil {
		t.Fatalf("Add X: %v", err)
	}

	mapB := codec.NewMap()
	mapB.Set("a", codec.Int(2))
	idY, err := e.Add(ctx, "q1", codec.MapValue(mapB), "", 0)
	if err != nil {
		t.Fatalf("Add Y: %v", err)
	}

	t1, ok, err := e.Take(ctx, "q1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Take 1: ok=%v err=%v", ok, err)
	}
	if t1.ID != idX {
		t.Errorf("expected first take to return %q, got %q", idX, t1.ID)
	}

	t2, ok, err := e.Take(ctx, "q1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Take 2: ok=%v err=%v", ok, err)
	}
	if t2.ID != idY {
		t.Errorf("expected second take to return %q, got %q", idY, t2.ID)
	}

	_, ok, err = e.Take(ctx, "q1", time.Minute)
	if err != nil {
		t.Fatalf("Take 3: %v", err)
	}
	if ok {
		t.Error("expected third take to find nothing pending")
	}
}

func TestMarkResetRequeuesAtTail(t *testing.T) {
	_, e := setupTestEngine(t)
	ctx := context.Background()

	idA, err := e.Add(ctx, "q1", codec.Null(), "A", 0)
	if err != nil {
		t.Fatalf("Add A: %v", err)
	}
	if _, err := e.Add(ctx, "q1", codec.Null(), "B", 0); err != nil {
		t.Fatalf("Add B: %v", err)
	}

	claimed, ok, err := e.Take(ctx, "q1", time.Minute)
	if err != nil || !ok || claimed.ID != idA {
		t.Fatalf("expected to claim A first, got claimed=%+v ok=%v err=%v", claimed, ok, err)
	}

	if err := e.MarkReset(ctx, "q1", idA); err != nil {
		t.Fatalf("MarkReset: %v", err)
	}

	next, ok, err := e.Take(ctx, "q1", time.Minute)
	if err != nil || !ok || next.ID != "B" {
		t.Fatalf("expected B after A was reset, got %+v ok=%v err=%v", next, ok, err)
	}
	last, ok, err := e.Take(ctx, "q1", time.Minute)
	if err != nil || !ok || last.ID != idA {
		t.Fatalf("expected A at the tail after reset, got %+v ok=%v err=%v", last, ok, err)
	}
}

func TestExplicitIDCollisionFailsConflict(t *testing.T) {
	_, e := setupTestEngine(t)
	ctx := context.Background()

	if _, err := e.Add(ctx, "q1", codec.Null(), "key-5", 0); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	_, err := e.Add(ctx, "q1", codec.Null(), "key-5", 0)
	if err == nil {
		t.Fatal("expected the second Add with the same task id to fail")
	}
	zerr, ok := zakuerr.As(err)
	if !ok || zerr.Code != zakuerr.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	_, e := setupTestEngine(t)
	ctx := context.Background()

	idX, _ := e.Add(ctx, "q1", codec.Null(), "", 0)
	if _, _, err := e.Take(ctx, "q1", time.Minute); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := e.MarkDone(ctx, "q1", idX); err != nil {
		t.Fatalf("first MarkDone: %v", err)
	}
	if err := e.MarkDone(ctx, "q1", idX); err != nil {
		t.Fatalf("second MarkDone should also succeed, got %v", err)
	}
}

func TestDepthsReflectPendingAndClaimed(t *testing.T) {
	_, e := setupTestEngine(t)
	ctx := context.Background()

	e.Add(ctx, "q1", codec.Null(), "", 0)
	e.Add(ctx, "q1", codec.Null(), "", 0)
	if _, _, err := e.Take(ctx, "q1", time.Minute); err != nil {
		t.Fatalf("Take: %v", err)
	}

	pending, claimed, err := e.Depths(ctx, "q1")
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if pending != 1 || claimed != 1 {
		t.Errorf("expected pending=1 claimed=1, got pending=%d claimed=%d", pending, claimed)
	}
}
