// Package pubsub fans out published events to independent per-subscriber
// queues. Events travel through an Emitter which is either in-process or
// backed by a message broker.
package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/jensneuse/abstractlogger"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

type Event struct {
	Topic   string
	Payload []byte
}

// Emitter delivers payloads published on a topic to every listener of that
// topic, possibly across processes.
type Emitter interface {
	// Listen calls handler for every payload published on topic until the
	// returned stop function is called. handler may be called concurrently
	// with Listen returning.
	Listen(ctx context.Context, topic string, handler func(payload []byte)) (stop func() error, err error)
	Emit(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type PubSub struct {
	log     abstractlogger.Logger
	emitter Emitter

	mu     sync.Mutex
	topics map[string]*topicListener
	nextID uint64
}

type topicListener struct {
	stop          func() error
	subscriptions map[uint64]*Subscription
}

type Option func(p *PubSub)

func WithLogger(logger abstractlogger.Logger) Option {
	return func(p *PubSub) {
		p.log = logger
	}
}

// WithEmitter replaces the in-memory emitter.
func WithEmitter(emitter Emitter) Option {
	return func(p *PubSub) {
		p.emitter = emitter
	}
}

func New(options ...Option) *PubSub {
	p := &PubSub{
		log:    abstractlogger.Noop{},
		topics: map[string]*topicListener{},
	}
	for _, option := range options {
		option(p)
	}
	if p.emitter == nil {
		p.emitter = NewMemoryEmitter()
	}
	return p
}

// Subscribe creates an independent unbounded queue for topic. The emitter
// listener for the topic is created with the first subscription.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	listener, ok := p.topics[topic]
	if !ok {
		listener = &topicListener{
			subscriptions: map[uint64]*Subscription{},
		}
		stop, err := p.emitter.Listen(ctx, topic, func(payload []byte) {
			p.dispatch(topic, listener, payload)
		})
		if err != nil {
			return nil, err
		}
		listener.stop = stop
		p.topics[topic] = listener
		p.log.Debug("PubSub.Subscribe: listening",
			abstractlogger.String("topic", topic),
		)
	}

	p.nextID++
	subscription := newSubscription(p, topic, p.nextID)
	listener.subscriptions[subscription.id] = subscription
	return subscription, nil
}

// Publish pushes the event onto every live queue of its topic. Delivery is at
// most once, events are neither persisted nor replayed.
func (p *PubSub) Publish(ctx context.Context, event Event) error {
	return p.emitter.Emit(ctx, event.Topic, event.Payload)
}

// Subscribers returns the number of open subscriptions of topic.
func (p *PubSub) Subscribers(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	listener, ok := p.topics[topic]
	if !ok {
		return 0
	}
	return len(listener.subscriptions)
}

// Close stops all listeners and closes the emitter. Open subscriptions are
// closed as well.
func (p *PubSub) Close() error {
	p.mu.Lock()
	topics := p.topics
	p.topics = map[string]*topicListener{}
	p.mu.Unlock()

	for name, listener := range topics {
		for _, subscription := range listener.subscriptions {
			subscription.closeQueue()
		}
		if err := listener.stop(); err != nil {
			p.log.Error("PubSub.Close: stopping listener",
				abstractlogger.String("topic", name),
				abstractlogger.Error(err),
			)
		}
	}
	return p.emitter.Close()
}

func (p *PubSub) dispatch(topic string, listener *topicListener, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topics[topic] != listener {
		// stale listener which has not been stopped yet
		return
	}
	for _, subscription := range listener.subscriptions {
		subscription.push(payload)
	}
}

func (p *PubSub) remove(subscription *Subscription) {
	p.mu.Lock()
	listener, ok := p.topics[subscription.topic]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(listener.subscriptions, subscription.id)
	if len(listener.subscriptions) > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.topics, subscription.topic)
	p.mu.Unlock()

	// the emitter may be blocked in dispatch, so stop without holding the lock
	if err := listener.stop(); err != nil {
		p.log.Error("PubSub.remove: stopping listener",
			abstractlogger.String("topic", subscription.topic),
			abstractlogger.Error(err),
		)
		return
	}
	p.log.Debug("PubSub.remove: listener stopped",
		abstractlogger.String("topic", subscription.topic),
	)
}
