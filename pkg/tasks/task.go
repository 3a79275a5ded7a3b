// Package tasks defines the core data structures for task representation in
// the Zaku distributed task queue. Tasks are units of work that are added to
// a named queue, claimed by a worker, and marked done or reset on that
// worker's behalf.
package tasks

import (
	"time"

	"github.com/geyang/zaku/pkg/codec"
)

// Status is the lifecycle state of a Task: created -> claimed -> done/reset.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusClaimed Status = "CLAIMED"
	StatusDone    Status = "DONE"
)

// Task represents a unit of work addressable by a queue-unique id.
//
// Payload carries the job-specific data as a codec.Value, the self-describing
// binary format covering scalars, lists, maps, and the ndarray/image
// extensions (codec §4.2). Workers are responsible for interpreting Payload
// according to whatever convention the producer and worker agree on out of
// band — Zaku itself never inspects payload contents.
type Task struct {
	ID         string       `json:"id"`
	Status     Status       `json:"status"`
	Payload    *codec.Value `json:"-"`
	PayloadRaw []byte       `json:"payload"`
	CreatedAt  time.Time    `json:"created_at"`
	ClaimedAt  *time.Time   `json:"claimed_at,omitempty"`
	TTLSeconds float64      `json:"ttl_seconds"`
}

// DefaultTTLSeconds is used when a TAKE op does not override ttl.
const DefaultTTLSeconds = 60.0

// EncodePayload serializes Payload into PayloadRaw for storage/transport.
// It must be called before a Task crosses the codec boundary (JSON
// persistence in the backing store, or a transport envelope).
func (t *Task) EncodePayload() error {
	data, err := codec.Encode(t.Payload)
	if err != nil {
		return err
	}
	t.PayloadRaw = data
	return nil
}

// DecodePayload populates Payload from PayloadRaw, the inverse of
// EncodePayload, used after reading a Task back from the backing store.
func (t *Task) DecodePayload() error {
	if len(t.PayloadRaw) == 0 {
		t.Payload = codec.Null()
		return nil
	}
	v, err := codec.Decode(t.PayloadRaw)
	if err != nil {
		return err
	}
	t.Payload = v
	return nil
}

// Record is the metadata stored for a task, minus the payload: one record
// per task id, keyed within its queue's metadata map.
type Record struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	TTLSeconds float64    `json:"ttl_seconds"`
}

// ToRecord strips the payload, returning the metadata-only view.
func (t *Task) ToRecord() Record {
	return Record{
		ID:         t.ID,
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
		ClaimedAt:  t.ClaimedAt,
		TTLSeconds: t.TTLSeconds,
	}
}
