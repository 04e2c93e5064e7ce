package pubsub

import (
	"context"
	"sync"
)

// Subscription is a single consumer, unbounded queue of the payloads
// published on one topic.
type Subscription struct {
	pubSub *PubSub
	topic  string
	id     uint64

	mu      sync.Mutex
	queue   [][]byte
	closed  bool
	signal  chan struct{}
	release sync.Once
}

func newSubscription(pubSub *PubSub, topic string, id uint64) *Subscription {
	return &Subscription{
		pubSub: pubSub,
		topic:  topic,
		id:     id,
		signal: make(chan struct{}, 1),
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Next blocks until a payload is available, the subscription is closed or ctx
// is done. Payloads queued before Close are dropped.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			payload := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return payload, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.signal:
		}
	}
}

// Close releases the queue and removes the subscription from its topic. It is
// safe to call Close more than once and concurrently with Next.
func (s *Subscription) Close() {
	s.release.Do(func() {
		s.closeQueue()
		s.pubSub.remove(s)
	})
}

func (s *Subscription) push(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) closeQueue() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
