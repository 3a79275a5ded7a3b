package client

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/zakuerr"
)

// requestIDKey is the payload field convention the RPC pattern correlates
// by: the fabric itself does not couple task and topic, so the client and
// worker agree on this field out of band.
const requestIDKey = "_request_id"

// Call issues an RPC over queue: subscribe to a fresh topic, ADD a task
// carrying payload plus _request_id, wait for the worker's PUBLISH, then
// unsubscribe. payload must be a map so _request_id can be folded in
// alongside the caller's fields.
func (c *Client) Call(ctx context.Context, queue string, payload *codec.Value, timeout time.Duration) (*codec.Value, error) {
	m, ok := payload.AsMap()
	if !ok {
		return nil, zakuerr.InvalidArgument("RPC payload must be a map so %s can be added", requestIDKey)
	}
	requestID := uuid.NewString()

	augmented := codec.NewMap()
	m.Range(func(key string, value *codec.Value) bool {
		augmented.Set(key, value)
		return true
	})
	augmented.Set(requestIDKey, codec.String(requestID))

	sub, err := c.Subscribe(ctx, requestID, timeout)
	if err != nil {
		return nil, err
	}
	defer sub.Close(context.Background())

	if _, err := c.Add(ctx, queue, codec.MapValue(augmented), "", 0); err != nil {
		return nil, err
	}

	select {
	case value, ok := <-sub.Events:
		if !ok {
			return nil, zakuerr.Internal("RPC call to %q timed out waiting for a reply", queue)
		}
		return value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handler processes one RPC-over-queue task, returning the result to
// publish back to the caller's topic.
type Handler func(ctx context.Context, payload *codec.Value) (*codec.Value, error)

// Serve runs handler against every task popped from queue until ctx is
// cancelled, extracting _request_id from each task's payload and
// publishing handler's result to that topic — the worker side of the
// RPC-over-queue pattern. If a task fails (payload without _request_id,
// handler error, or failed PUBLISH), Pop resets it and Serve returns that
// error. idleWait bounds how long Serve sleeps between empty TAKEs before
// polling again.
func (c *Client) Serve(ctx context.Context, queue string, ttl, idleWait time.Duration, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handled, err := c.Pop(ctx, queue, ttl, func(ctx context.Context, job *Job) error {
			m, ok := job.Payload.AsMap()
			if !ok {
				return zakuerr.InvalidArgument("RPC task payload must be a map carrying %s", requestIDKey)
			}
			ridValue, ok := m.Get(requestIDKey)
			if !ok {
				return zakuerr.InvalidArgument("RPC task payload missing %s", requestIDKey)
			}
			requestTopic, _ := ridValue.AsString()

			result, err := handler(ctx, job.Payload)
			if err != nil {
				return err
			}
			_, pubErr := c.Publish(ctx, requestTopic, result)
			return pubErr
		})
		if err != nil {
			return err
		}
		if !handled {
			select {
			case <-time.After(idleWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
