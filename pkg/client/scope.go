package client

import (
	"context"
	"time"

	"github.com/geyang/zaku/pkg/codec"
)

// Job is a claimed task handed to a Pop callback. Callers read Payload and
// must not call MarkDone/MarkReset themselves — Pop guarantees exactly one
// of them runs on every exit path.
type Job struct {
	ID      string
	Queue   string
	Payload *codec.Value

	client *Client
}

// Pop takes one job from queue and runs fn against it, releasing the claim
// on every exit path: MarkDone on fn returning nil, MarkReset on fn
// returning an error or panicking (the panic is re-raised after release).
// ok is false if nothing was pending, in which case fn is not called.
func (c *Client) Pop(ctx context.Context, queue string, ttl time.Duration, fn func(ctx context.Context, job *Job) error) (ok bool, err error) {
	id, payload, ok, err := c.Take(ctx, queue, ttl)
	if err != nil || !ok {
		return ok, err
	}
	job := &Job{ID: id, Queue: queue, Payload: payload, client: c}

	released := false
	release := func(failed bool) {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if failed {
			_ = c.MarkReset(releaseCtx, queue, id)
		} else {
			_ = c.MarkDone(releaseCtx, queue, id)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			release(true)
			panic(r)
		}
	}()

	if err := fn(ctx, job); err != nil {
		release(true)
		return true, err
	}
	release(false)
	return true, nil
}
