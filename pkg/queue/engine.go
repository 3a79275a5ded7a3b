// Package queue implements Zaku's queue engine: the state machine a task
// id moves through — PENDING, CLAIMED, DONE/reset — driven entirely
// through the pkg/store.Store primitives, over arbitrarily many named
// queues with the claim/reap protocol the store package's Lua scripts
// provide.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/store"
	"github.com/geyang/zaku/pkg/tasks"
	"github.com/geyang/zaku/pkg/zakuerr"
)

// Engine drives Zaku's queue state machine against a Store.
type Engine struct {
	store store.Store
}

// NewEngine wires an Engine to a backing store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// InitQueue idempotently registers queue. Succeeds whether or not it
// already existed.
func (e *Engine) InitQueue(ctx context.Context, queue string) error {
	return e.store.RegisterQueue(ctx, queue)
}

// ClearQueue empties queue's pending list, claim set, and metadata without
// forgetting the queue itself.
func (e *Engine) ClearQueue(ctx context.Context, queue string) error {
	return e.store.ClearQueue(ctx, queue)
}

// RemoveQueue deletes queue's state and its entry in the root index.
func (e *Engine) RemoveQueue(ctx context.Context, queue string) error {
	return e.store.RemoveQueue(ctx, queue)
}

// QueueNames lists every queue the reaper and INFO op must consider.
func (e *Engine) QueueNames(ctx context.Context) ([]string, error) {
	return e.store.QueueNames(ctx)
}

// Add appends a task to queue's pending list. If taskID is empty the engine
// mints a UUIDv4; if taskID is already known, Add fails with CONFLICT.
func (e *Engine) Add(ctx context.Context, queue string, payload *codec.Value, taskID string, ttlSeconds float64) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if ttlSeconds <= 0 {
		ttlSeconds = tasks.DefaultTTLSeconds
	}

	t := &tasks.Task{
		ID:         taskID,
		Status:     tasks.StatusPending,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: ttlSeconds,
	}
	if err := t.EncodePayload(); err != nil {
		return "", zakuerr.InvalidArgument("encoding payload: %v", err)
	}

	recordJSON, err := json.Marshal(t.ToRecord())
	if err != nil {
		return "", zakuerr.Internal("marshaling task record: %v", err)
	}

	// A pre-existing queue doesn't need explicit INIT_QUEUE; ADD auto-creates it.
	if err := e.store.RegisterQueue(ctx, queue); err != nil {
		return "", zakuerr.Unavailable("registering queue %q: %v", queue, err)
	}

	added, err := e.store.AddTask(ctx, queue, taskID, recordJSON, t.PayloadRaw)
	if err != nil {
		return "", zakuerr.Unavailable("adding task to %q: %v", queue, err)
	}
	if !added {
		return "", zakuerr.Conflict("task id %q already exists in queue %q", taskID, queue)
	}
	return taskID, nil
}

// Take pops the oldest pending task in queue, claims it for ttl, and
// returns it. ok is false (not an error) if queue's pending list is empty.
func (e *Engine) Take(ctx context.Context, queue string, ttl time.Duration) (*tasks.Task, bool, error) {
	if ttl <= 0 {
		ttl = time.Duration(tasks.DefaultTTLSeconds * float64(time.Second))
	}
	now := time.Now()
	deadline := now.Add(ttl)

	taskID, payloadRaw, ok, err := e.store.TakeClaim(ctx, queue, deadline, now)
	if err != nil {
		return nil, false, zakuerr.Unavailable("taking from %q: %v", queue, err)
	}
	if !ok {
		return nil, false, nil
	}

	recordRaw, found, err := e.store.GetRecord(ctx, queue, taskID)
	if err != nil {
		return nil, false, zakuerr.Unavailable("reading record for %q/%q: %v", queue, taskID, err)
	}

	claimedAt := now.UTC()
	t := &tasks.Task{
		ID:         taskID,
		Status:     tasks.StatusClaimed,
		PayloadRaw: payloadRaw,
		ClaimedAt:  &claimedAt,
		TTLSeconds: ttl.Seconds(),
	}
	if found {
		var record tasks.Record
		if err := json.Unmarshal(recordRaw, &record); err == nil {
			t.CreatedAt = record.CreatedAt
			t.TTLSeconds = record.TTLSeconds
		}
	}
	if err := t.DecodePayload(); err != nil {
		return nil, false, zakuerr.InvalidArgument("decoding stored payload for %q/%q: %v", queue, taskID, err)
	}
	return t, true, nil
}

// MarkDone closes out taskID: removes its claim, payload, and metadata. It
// is a no-op success if taskID is not present (idempotent close).
func (e *Engine) MarkDone(ctx context.Context, queue, taskID string) error {
	if err := e.store.MarkDone(ctx, queue, taskID); err != nil {
		return zakuerr.Unavailable("marking %q/%q done: %v", queue, taskID, err)
	}
	return nil
}

// MarkReset releases taskID's claim and re-queues it at the tail of
// pending. It is a no-op success if taskID was not claimed.
func (e *Engine) MarkReset(ctx context.Context, queue, taskID string) error {
	if err := e.store.MarkReset(ctx, queue, taskID); err != nil {
		return zakuerr.Unavailable("resetting %q/%q: %v", queue, taskID, err)
	}
	return nil
}

// Depths reports the pending and claimed counts for queue, backing the
// INFO operation.
func (e *Engine) Depths(ctx context.Context, queue string) (pending, claimed int64, err error) {
	pending, claimed, err = e.store.Depths(ctx, queue)
	if err != nil {
		return 0, 0, zakuerr.Unavailable("reading depths for %q: %v", queue, err)
	}
	return pending, claimed, nil
}

// Inspect returns up to limit pending task records without removing them.
func (e *Engine) Inspect(ctx context.Context, queue string, limit int64) ([]tasks.Record, error) {
	ids, err := e.store.InspectPending(ctx, queue, limit)
	if err != nil {
		return nil, zakuerr.Unavailable("inspecting %q: %v", queue, err)
	}
	records := make([]tasks.Record, 0, len(ids))
	for _, id := range ids {
		raw, found, err := e.store.GetRecord(ctx, queue, id)
		if err != nil || !found {
			continue
		}
		var record tasks.Record
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
