// Package pubsub implements Zaku's topic fabric: per-topic subscriber
// fan-out with no retained history, non-blocking delivery, and the
// one-shot/streaming consumption styles the client library builds on top
// of SUBSCRIBE. Its shape is a mutex-guarded map of live subscribers, each
// with its own bounded outbound channel, in the idiom of a websocket
// broker's connection registry adapted from per-connection sockets to
// per-subscription topic membership.
package pubsub

import (
	"context"
	"sync"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/zakuerr"
)

// inboxCapacity bounds a subscriber's outbound event buffer. A full inbox
// causes the next Publish to drop that subscriber's event, per the
// at-most-once delivery guarantee.
const inboxCapacity = 64

// Event is one message delivered to a subscriber, carrying the
// subscription's rid so the client can correlate it with its SUBSCRIBE
// call.
type Event struct {
	Topic   string
	RID     string
	Payload *codec.Value
	// Final marks a terminal empty event. Publish never sets it; a closed
	// Events channel is how the fabric itself signals the end of a
	// subscription.
	Final bool
}

// Subscription is a single (connection, rid) pair's registration on a
// topic, returned by Fabric.Subscribe. Callers drain Events until it is
// closed, then should stop using it.
type Subscription struct {
	Topic  string
	RID    string
	Events chan Event

	fabric *Fabric
	mu     sync.Mutex
	closed bool
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.fabric.unsubscribe(s)
	close(s.Events)
}

// Fabric is the process-wide topic registry, constructed at startup and
// torn down on shutdown; all mutation happens under its own lock. The
// zero value is not usable; construct with New.
type Fabric struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

// New constructs an empty Fabric.
func New() *Fabric {
	return &Fabric{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscription on topic under rid, returning it.
// Duplicate rid on the same topic+caller is rejected by the transport layer
// before reaching Subscribe: a second SUBSCRIBE on the same rid is an
// INVALID_ARGUMENT, not a second registration.
func (f *Fabric) Subscribe(topic, rid string) *Subscription {
	sub := &Subscription{
		Topic:  topic,
		RID:    rid,
		Events: make(chan Event, inboxCapacity),
		fabric: f,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		f.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (f *Fabric) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.topics[sub.Topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(f.topics, sub.Topic)
	}
}

// Publish enqueues the same payload value to every current subscriber of
// topic, returning the count of subscribers it was handed to (not proof of
// receipt). It does not encode payload; each subscriber's EVENT frame is
// encoded separately by the transport. Delivery is non-blocking: a subscriber whose
// inbox is full is skipped rather than stalling Publish.
func (f *Fabric) Publish(ctx context.Context, topic string, payload *codec.Value) int {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.topics[topic]))
	for sub := range f.topics[topic] {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.Events <- Event{Topic: topic, RID: sub.RID, Payload: payload}:
			delivered++
		default:
			// Inbox full: dropped per the documented at-most-once policy.
		}
	}
	return delivered
}

// SubscriberCount reports how many live subscriptions exist across every
// topic, for the zaku_subscriptions gauge.
func (f *Fabric) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, subs := range f.topics {
		total += len(subs)
	}
	return total
}

// SubscribeOne implements the one-shot consumer style: wait for the first
// EVENT on topic or ctx's deadline, then unsubscribe.
func SubscribeOne(ctx context.Context, f *Fabric, topic, rid string) (*codec.Value, error) {
	sub := f.Subscribe(topic, rid)
	defer sub.Close()

	select {
	case event, ok := <-sub.Events:
		if !ok || event.Final {
			return nil, zakuerr.NotFound("subscription on %q closed before an event arrived", topic)
		}
		return event.Payload, nil
	case <-ctx.Done():
		return nil, zakuerr.Internal("waiting for event on %q: %v", topic, ctx.Err())
	}
}
