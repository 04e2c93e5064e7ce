package pubsub

import (
	"context"
	"sync"
)

// MemoryEmitter delivers payloads within the process, synchronously on the
// publishing goroutine.
type MemoryEmitter struct {
	mu        sync.RWMutex
	listeners map[string]map[uint64]func(payload []byte)
	nextID    uint64
}

func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{
		listeners: map[string]map[uint64]func(payload []byte){},
	}
}

func (m *MemoryEmitter) Listen(_ context.Context, topic string, handler func(payload []byte)) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if m.listeners[topic] == nil {
		m.listeners[topic] = map[uint64]func(payload []byte){}
	}
	m.listeners[topic][id] = handler

	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[topic], id)
		if len(m.listeners[topic]) == 0 {
			delete(m.listeners, topic)
		}
		return nil
	}, nil
}

func (m *MemoryEmitter) Emit(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	handlers := make([]func(payload []byte), 0, len(m.listeners[topic]))
	for _, handler := range m.listeners[topic] {
		handlers = append(handlers, handler)
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(payload)
	}
	return nil
}

// Listeners returns the number of active listeners of topic.
func (m *MemoryEmitter) Listeners(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[topic])
}

func (m *MemoryEmitter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = map[string]map[uint64]func(payload []byte){}
	return nil
}

var _ Emitter = (*MemoryEmitter)(nil)
