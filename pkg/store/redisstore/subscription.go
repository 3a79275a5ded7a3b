package redisstore

import (
	"github.com/redis/go-redis/v9"
)

// subscription adapts a *redis.PubSub onto store.Subscription, draining
// Redis's native []byte payload channel into the narrower channel the
// interface promises.
type subscription struct {
	ps *redis.PubSub
	ch chan []byte
}

func newSubscription(ps *redis.PubSub) *subscription {
	s := &subscription{ps: ps, ch: make(chan []byte, 64)}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *subscription) Channel() <-chan []byte { return s.ch }

func (s *subscription) Close() error { return s.ps.Close() }
