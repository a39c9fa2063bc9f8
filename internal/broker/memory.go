// Package broker provides the in-process implementation of the one-way
// broker port.
package broker

import (
	"context"
	"errors"
	"sync"

	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

var ErrClosed = errors.New("broker closed")

// Memory is an in-process broker. Each delivery runs on its own goroutine, so
// there is no ordering between messages, matching a real one-way broker.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func(types.Envelope)
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	// Intercept, when set, sees every published envelope and may drop it by
	// returning false.
	Intercept func(types.Envelope) bool
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[uint64]func(types.Envelope))}
}

// Publish hands msg to every current subscriber of its topic. Messages with no
// subscriber are dropped.
func (m *Memory) Publish(ctx context.Context, msg types.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	intercept := m.Intercept
	handlers := make([]func(types.Envelope), 0, len(m.subs[msg.Topic]))
	for _, h := range m.subs[msg.Topic] {
		handlers = append(handlers, h)
	}
	m.wg.Add(len(handlers))
	m.mu.RUnlock()

	if intercept != nil && !intercept(msg) {
		m.wg.Add(-len(handlers))
		return nil
	}

	for _, h := range handlers {
		payload := append([]byte(nil), msg.Payload...)
		env := msg
		env.Payload = payload
		go func(h func(types.Envelope)) {
			defer m.wg.Done()
			h(env)
		}(h)
	}
	return nil
}

// Subscribe registers handler for topic.
func (m *Memory) Subscribe(topic string, handler func(types.Envelope)) (interfaces.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	id := m.nextID
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[uint64]func(types.Envelope))
	}
	m.subs[topic][id] = handler
	return &subscription{broker: m, topic: topic, id: id}, nil
}

// Subscribers returns the number of handlers on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Close rejects further traffic and waits for in-flight deliveries.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = make(map[string]map[uint64]func(types.Envelope))
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

type subscription struct {
	broker *Memory
	topic  string
	id     uint64
	once   sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		if handlers, ok := s.broker.subs[s.topic]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.broker.subs, s.topic)
			}
		}
	})
	return nil
}
