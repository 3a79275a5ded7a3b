package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/transport"
)

// Subscription is a live topic subscription opened by Client.Subscribe,
// exposing received payloads as a simple Go channel for a streaming
// consumer.
type Subscription struct {
	RID   string
	Topic string

	// Events yields one payload per EVENT frame. It is closed when the
	// server sends the terminal empty EVENT (timeout elapsed), when the
	// connection is lost, or after Close() stops delivery, so ranging over
	// it always terminates.
	Events chan *codec.Value

	client   *Client
	raw      chan *transport.Envelope
	stop     chan struct{}
	stopOnce sync.Once
}

// Subscribe registers a subscription on topic. A positive timeout causes
// the server to auto-unsubscribe after that many seconds of idle; zero
// means the subscription stays open until explicitly closed.
func (c *Client) Subscribe(ctx context.Context, topic string, timeout time.Duration) (*Subscription, error) {
	rid := uuid.NewString()
	raw := make(chan *transport.Envelope, 64)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.events[rid] = raw
	c.mu.Unlock()

	reply, err := c.call(ctx, &transport.Envelope{
		Op: transport.OpSubscribe, RID: rid, Topic: topic, Timeout: timeout.Seconds(),
	})
	if err != nil {
		c.forgetEvents(rid)
		return nil, err
	}
	if zerr := asError(reply); zerr != nil {
		c.forgetEvents(rid)
		return nil, zerr
	}

	sub := &Subscription{
		RID: rid, Topic: topic, client: c,
		Events: make(chan *codec.Value, 64),
		raw:    raw, stop: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (c *Client) forgetEvents(rid string) {
	c.mu.Lock()
	delete(c.events, rid)
	c.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.Events)
	for {
		select {
		case env, ok := <-s.raw:
			if !ok {
				return
			}
			if env.Final {
				// Terminal EVENT: the server-side subscription timeout
				// elapsed.
				return
			}
			select {
			case s.Events <- env.Payload:
			case <-s.stop:
				return
			}
		case <-s.stop:
			return
		}
	}
}

// Close unsubscribes, stopping delivery and signaling UNSUBSCRIBE to the
// server. Safe to call more than once.
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.client.forgetEvents(s.RID)
		close(s.stop)
		_, err = s.client.call(ctx, &transport.Envelope{Op: transport.OpUnsubscribe, RID: s.RID, Topic: s.Topic})
	})
	return err
}

// SubscribeOne implements the one-shot consumer style: wait for the first
// event on topic (or until timeout elapses), then unsubscribe.
func (c *Client) SubscribeOne(ctx context.Context, topic string, timeout time.Duration) (*codec.Value, error) {
	sub, err := c.Subscribe(ctx, topic, timeout)
	if err != nil {
		return nil, err
	}
	defer sub.Close(context.Background())

	select {
	case value, ok := <-sub.Events:
		if !ok {
			return nil, nil
		}
		return value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
