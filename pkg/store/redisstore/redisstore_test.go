package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return s, New(s.Addr(), "", "zaku")
}

func TestAddTaskRejectsDuplicateID(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	added, err := st.AddTask(ctx, "jobs", "t1", []byte(`{"id":"t1","status":"PENDING"}`), []byte("payload-1"))
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if !added {
		t.Fatal("expected first AddTask to succeed")
	}

	added, err = st.AddTask(ctx, "jobs", "t1", []byte(`{"id":"t1","status":"PENDING"}`), []byte("payload-2"))
	if err != nil {
		t.Fatalf("AddTask (duplicate) failed: %v", err)
	}
	if added {
		t.Error("expected duplicate AddTask to be refused")
	}
}

func TestTakeClaimPopsPendingAndWritesClaim(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.AddTask(ctx, "jobs", "t1", []byte(`{"id":"t1","status":"PENDING"}`), []byte("payload-1")); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	deadline := time.Now().Add(time.Minute)
	id, payload, ok, err := st.TakeClaim(ctx, "jobs", deadline, time.Now())
	if err != nil {
		t.Fatalf("TakeClaim failed: %v", err)
	}
	if !ok || id != "t1" {
		t.Fatalf("expected to claim t1, got id=%q ok=%v", id, ok)
	}
	if string(payload) != "payload-1" {
		t.Errorf("expected payload-1, got %q", payload)
	}

	pending, claimed, err := st.Depths(ctx, "jobs")
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if pending != 0 || claimed != 1 {
		t.Errorf("expected pending=0 claimed=1, got pending=%d claimed=%d", pending, claimed)
	}
}

func TestTakeClaimOnEmptyQueueIsNotAnError(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	_, _, ok, err := st.TakeClaim(ctx, "empty", time.Now().Add(time.Minute), time.Now())
	if err != nil {
		t.Fatalf("TakeClaim on empty queue returned error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for an empty queue")
	}
}

func TestMarkDoneClearsClaimPayloadAndMeta(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	st.AddTask(ctx, "jobs", "t1", []byte(`{"id":"t1","status":"PENDING"}`), []byte("payload-1"))
	st.TakeClaim(ctx, "jobs", time.Now().Add(time.Minute), time.Now())

	if err := st.MarkDone(ctx, "jobs", "t1"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	if _, ok, _ := st.GetRecord(ctx, "jobs", "t1"); ok {
		t.Error("expected metadata record to be gone after MarkDone")
	}
	if _, ok, _ := st.GetPayload(ctx, "jobs", "t1"); ok {
		t.Error("expected payload to be gone after MarkDone")
	}
}

func TestMarkResetRequeuesToPendingTail(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	st.AddTask(ctx, "jobs", "t1", []byte(`{"id":"t1","status":"PENDING"}`), []byte("payload-1"))
	st.TakeClaim(ctx, "jobs", time.Now().Add(time.Minute), time.Now())

	if err := st.MarkReset(ctx, "jobs", "t1"); err != nil {
		t.Fatalf("MarkReset failed: %v", err)
	}

	pending, claimed, err := st.Depths(ctx, "jobs")
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if pending != 1 || claimed != 0 {
		t.Errorf("expected pending=1 claimed=0 after reset, got pending=%d claimed=%d", pending, claimed)
	}
}

func TestMarkResetOnUnclaimedTaskIsNoop(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	if err := st.MarkReset(ctx, "jobs", "never-claimed"); err != nil {
		t.Fatalf("expected no-op success, got error: %v", err)
	}
	pending, _, _ := st.Depths(ctx, "jobs")
	if pending != 0 {
		t.Errorf("expected MarkReset on an unclaimed id not to touch pending, got %d", pending)
	}
}

func TestReapExpiredRevertsOverdueClaimsOnly(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	st.AddTask(ctx, "jobs", "expired", []byte(`{"id":"expired","status":"PENDING"}`), []byte("p1"))
	st.AddTask(ctx, "jobs", "fresh", []byte(`{"id":"fresh","status":"PENDING"}`), []byte("p2"))

	now := time.Now()
	st.TakeClaim(ctx, "jobs", now.Add(-time.Second), now) // already past deadline
	st.TakeClaim(ctx, "jobs", now.Add(time.Hour), now)    // far from expiring

	reaped, err := st.ReapExpired(ctx, "jobs", now)
	if err != nil {
		t.Fatalf("ReapExpired failed: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != "expired" {
		t.Fatalf("expected only 'expired' to be reaped, got %v", reaped)
	}

	pending, claimed, _ := st.Depths(ctx, "jobs")
	if pending != 1 || claimed != 1 {
		t.Errorf("expected pending=1 claimed=1 after reap, got pending=%d claimed=%d", pending, claimed)
	}
}

func TestClearAndRemoveQueue(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	st.RegisterQueue(ctx, "jobs")
	st.AddTask(ctx, "jobs", "t1", []byte(`{"id":"t1"}`), []byte("p1"))

	if err := st.ClearQueue(ctx, "jobs"); err != nil {
		t.Fatalf("ClearQueue failed: %v", err)
	}
	pending, _, _ := st.Depths(ctx, "jobs")
	if pending != 0 {
		t.Errorf("expected empty pending after ClearQueue, got %d", pending)
	}

	names, err := st.QueueNames(ctx)
	if err != nil {
		t.Fatalf("QueueNames: %v", err)
	}
	if len(names) != 1 || names[0] != "jobs" {
		t.Fatalf("expected ClearQueue to keep the registry entry, got %v", names)
	}

	if err := st.RemoveQueue(ctx, "jobs"); err != nil {
		t.Fatalf("RemoveQueue failed: %v", err)
	}
	names, _ = st.QueueNames(ctx)
	if len(names) != 0 {
		t.Errorf("expected RemoveQueue to drop the registry entry, got %v", names)
	}
}

func TestAllowTokenBucket(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	allowed, err := st.Allow(ctx, "worker-pool", 1, 1)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !allowed {
		t.Error("expected first call to be allowed")
	}

	allowed, err = st.Allow(ctx, "worker-pool", 1, 1)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if allowed {
		t.Error("expected second immediate call to be denied")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	_, st := setupTestStore(t)
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, "announcements")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	// miniredis delivers Publish synchronously once a subscriber is
	// registered, but give the subscription's pump goroutine a moment.
	time.Sleep(50 * time.Millisecond)

	if _, err := st.Publish(ctx, "announcements", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if string(msg) != "hello" {
			t.Errorf("expected hello, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
