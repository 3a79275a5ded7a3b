// Package client is Zaku's synchronous client library: a thin envelope/RID
// correlation layer over pkg/transport, plus the higher-level scoped-claim
// and RPC-over-queue helpers built on top of SUBSCRIBE/ADD/PUBLISH. Its
// connection-management shape — dial, a reader goroutine fanning replies
// out by correlation id, Schedule via robfig/cron — is the same shape a
// direct Redis client would use, generalized to a websocket peer speaking
// the envelope protocol.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/logger"
	"github.com/geyang/zaku/pkg/transport"
	"github.com/geyang/zaku/pkg/zakuerr"
)

// Client is a connection to a Zaku server plus the request/reply and
// subscription bookkeeping needed to expose a synchronous Go API over an
// asynchronous, multiplexed websocket stream.
type Client struct {
	conn *websocket.Conn
	cron *cron.Cron

	mu       sync.Mutex
	pending  map[string]chan *transport.Envelope
	events   map[string]chan *transport.Envelope
	closed   bool
	closeErr error
}

// Dial connects to a Zaku server at addr (e.g. "ws://127.0.0.1:9000/") and,
// if user/key are non-empty, performs the AUTH handshake before returning.
func Dial(ctx context.Context, addr, user, key string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("zaku client: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		cron:    cron.New(),
		pending: make(map[string]chan *transport.Envelope),
		events:  make(map[string]chan *transport.Envelope),
	}
	go c.readLoop()

	if user != "" || key != "" {
		reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpAuth, RID: uuid.NewString(), User: user, Key: key})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		if reply.Op == transport.OpErr {
			_ = c.Close()
			return nil, zakuerr.Unauthenticated("%s", reply.Error.Message)
		}
	}
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(fmt.Errorf("zaku client: connection closed: %w", err))
			return
		}
		env, err := transport.DecodeEnvelope(msg)
		if err != nil {
			continue
		}
		if env.Op == transport.OpEvent {
			c.mu.Lock()
			ch, ok := c.events[env.RID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.RID]
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for _, ch := range c.pending {
		close(ch)
	}
	for _, ch := range c.events {
		close(ch)
	}
}

// call sends req and waits for the single correlated reply (ACK or ERR).
func (c *Client) call(ctx context.Context, req *transport.Envelope) (*transport.Envelope, error) {
	ch := make(chan *transport.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.pending[req.RID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RID)
		c.mu.Unlock()
	}()

	data, err := transport.EncodeEnvelope(req)
	if err != nil {
		return nil, err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, c.closeErr
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func asError(env *transport.Envelope) error {
	if env.Op != transport.OpErr || env.Error == nil {
		return nil
	}
	return zakuerr.New(zakuerr.Code(env.Error.Code), "%s", env.Error.Message)
}

// InitQueue idempotently creates queue.
func (c *Client) InitQueue(ctx context.Context, queue string) error {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpInitQueue, RID: uuid.NewString(), Queue: queue})
	if err != nil {
		return err
	}
	return asError(reply)
}

// RemoveQueue deletes queue entirely.
func (c *Client) RemoveQueue(ctx context.Context, queue string) error {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpRemoveQueue, RID: uuid.NewString(), Queue: queue})
	if err != nil {
		return err
	}
	return asError(reply)
}

// ClearQueue empties queue without deleting it.
func (c *Client) ClearQueue(ctx context.Context, queue string) error {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpClearQueue, RID: uuid.NewString(), Queue: queue})
	if err != nil {
		return err
	}
	return asError(reply)
}

// Add appends payload to queue, returning the assigned (or supplied)
// task id. taskID may be empty to let the server mint a UUIDv4.
func (c *Client) Add(ctx context.Context, queue string, payload *codec.Value, taskID string, ttl time.Duration) (string, error) {
	reply, err := c.call(ctx, &transport.Envelope{
		Op: transport.OpAdd, RID: uuid.NewString(), Queue: queue,
		TaskID: taskID, Payload: payload, TTL: ttl.Seconds(),
	})
	if err != nil {
		return "", err
	}
	if zerr := asError(reply); zerr != nil {
		return "", zerr
	}
	return reply.TaskID, nil
}

// Take pops the oldest pending task in queue and claims it for ttl. ok is
// false if nothing was pending.
func (c *Client) Take(ctx context.Context, queue string, ttl time.Duration) (id string, payload *codec.Value, ok bool, err error) {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpTake, RID: uuid.NewString(), Queue: queue, TTL: ttl.Seconds()})
	if err != nil {
		return "", nil, false, err
	}
	if zerr := asError(reply); zerr != nil {
		return "", nil, false, zerr
	}
	if reply.TaskID == "" {
		return "", nil, false, nil
	}
	return reply.TaskID, reply.Payload, true, nil
}

// MarkDone closes out taskID.
func (c *Client) MarkDone(ctx context.Context, queue, taskID string) error {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpMarkDone, RID: uuid.NewString(), Queue: queue, TaskID: taskID})
	if err != nil {
		return err
	}
	return asError(reply)
}

// MarkReset releases taskID back to pending.
func (c *Client) MarkReset(ctx context.Context, queue, taskID string) error {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpMarkReset, RID: uuid.NewString(), Queue: queue, TaskID: taskID})
	if err != nil {
		return err
	}
	return asError(reply)
}

// Depths reports the INFO op's pending/claimed counts for queue.
func (c *Client) Depths(ctx context.Context, queue string) (pending, claimed int64, err error) {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpInfo, RID: uuid.NewString(), Queue: queue})
	if err != nil {
		return 0, 0, err
	}
	if zerr := asError(reply); zerr != nil {
		return 0, 0, zerr
	}
	m, ok := reply.Payload.AsMap()
	if !ok {
		return 0, 0, zakuerr.Internal("INFO reply missing depths map")
	}
	p, _ := m.Get("pending")
	cl, _ := m.Get("claimed")
	pi, _ := p.AsInt()
	ci, _ := cl.AsInt()
	return pi, ci, nil
}

// Publish broadcasts payload to topic's current subscribers, returning the
// count the fabric delivered to.
func (c *Client) Publish(ctx context.Context, topic string, payload *codec.Value) (int64, error) {
	reply, err := c.call(ctx, &transport.Envelope{Op: transport.OpPublish, RID: uuid.NewString(), Topic: topic, Payload: payload})
	if err != nil {
		return 0, err
	}
	if zerr := asError(reply); zerr != nil {
		return 0, zerr
	}
	n, _ := reply.Payload.AsInt()
	return n, nil
}

// Schedule registers a cron job that Adds payload to queue on the given
// cron schedule, for an arbitrary payload/queue pair.
func (c *Client) Schedule(spec, queue string, payload *codec.Value, ttl time.Duration) (cron.EntryID, error) {
	return c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.Add(ctx, queue, payload, "", ttl); err != nil {
			logger.Log.Error().Err(err).Str("spec", spec).Str("queue", queue).Msg("zaku client: scheduled add failed")
		}
	})
}

// StartScheduler starts the cron scheduler registered via Schedule.
func (c *Client) StartScheduler() { c.cron.Start() }

// StopScheduler stops the cron scheduler.
func (c *Client) StopScheduler() { c.cron.Stop() }

// Close tears down the underlying connection.
func (c *Client) Close() error {
	c.failAll(fmt.Errorf("zaku client: closed"))
	return c.conn.Close()
}
