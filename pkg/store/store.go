// Package store defines the narrow backing-store contract the queue engine
// and reaper are built against: JSON-document-capable key/value
// storage, ordered lists, a queue-name registry, and native pub/sub. The
// concrete provider in this repository is Redis (pkg/store/redisstore);
// any store offering equivalent primitives and an atomicity mechanism for
// the compound claim/reap operations is acceptable.
package store

import (
	"context"
	"time"
)

// Store is the abstract backing-store adapter. Queue names are opaque
// strings; the implementation is responsible for namespacing keys under a
// configured prefix.
type Store interface {
	// RegisterQueue adds name to the root queue-name index, idempotently.
	RegisterQueue(ctx context.Context, name string) error
	// UnregisterQueue removes name from the root queue-name index.
	UnregisterQueue(ctx context.Context, name string) error
	// QueueNames lists every known queue name.
	QueueNames(ctx context.Context) ([]string, error)

	// AddTask appends taskID to queue's pending list and stores its record
	// and payload, atomically refusing the write if taskID already exists
	// (ADD's CONFLICT contract).
	AddTask(ctx context.Context, queue, taskID string, recordJSON, payload []byte) (added bool, err error)

	// TakeClaim atomically pops the head of queue's pending list, writes a
	// claim entry with the given deadline, and returns the task id and its
	// payload. ok is false if pending was empty — an empty queue is a null
	// result, not an error.
	TakeClaim(ctx context.Context, queue string, deadline, claimedAt time.Time) (taskID string, payload []byte, ok bool, err error)

	// MarkDone removes taskID's claim entry, payload, and metadata. It is a
	// no-op success if taskID is not present (idempotent close).
	MarkDone(ctx context.Context, queue, taskID string) error

	// MarkReset removes taskID's claim entry (if any) and re-appends it to
	// the tail of pending. It is a no-op success if taskID was not claimed.
	MarkReset(ctx context.Context, queue, taskID string) error

	// ReapExpired scans queue's claim set and reverts every entry whose
	// deadline is at or before now to pending, returning the reaped ids.
	ReapExpired(ctx context.Context, queue string, now time.Time) (reaped []string, err error)

	// ClearQueue empties queue's pending list, claim set, payloads, and
	// metadata, without removing it from the root index.
	ClearQueue(ctx context.Context, queue string) error
	// RemoveQueue clears queue and removes it from the root index.
	RemoveQueue(ctx context.Context, queue string) error

	// Depths reports the current pending and claimed counts for queue.
	Depths(ctx context.Context, queue string) (pending, claimed int64, err error)
	// InspectPending returns up to limit pending task ids without removing
	// them, in pending order.
	InspectPending(ctx context.Context, queue string, limit int64) ([]string, error)
	// GetRecord returns the stored metadata record for taskID.
	GetRecord(ctx context.Context, queue, taskID string) ([]byte, bool, error)
	// GetPayload returns the stored payload for taskID.
	GetPayload(ctx context.Context, queue, taskID string) ([]byte, bool, error)

	// Publish broadcasts payload on channel, returning the number of
	// current subscribers the backing store's pub/sub fabric delivered to.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	// Subscribe opens a subscription to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Allow implements an optional token-bucket rate limit a deployment may
	// apply per connection or task type; not part of the required op
	// contract.
	Allow(ctx context.Context, key string, ratePerSecond, burst int) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a live backing-store pub/sub subscription.
type Subscription interface {
	// Channel streams published payloads until Close is called or the
	// underlying connection is lost, at which point it is closed.
	Channel() <-chan []byte
	Close() error
}
