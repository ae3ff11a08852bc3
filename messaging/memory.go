package messaging

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// MemoryTransport connects roles running in one process.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]chan Message
	size   int
	closed chan struct{}
	once   sync.Once
}

func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 1024
	}
	return &MemoryTransport{
		queues: make(map[string]chan Message),
		size:   size,
		closed: make(chan struct{}),
	}
}

func (m *MemoryTransport) queue(topic string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[topic]
	if !ok {
		q = make(chan Message, m.size)
		m.queues[topic] = q
	}
	return q
}

func (m *MemoryTransport) Publish(ctx context.Context, topic string, msg Message) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.queue(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrClosed
	}
}

func (m *MemoryTransport) Consume(ctx context.Context, topic string, h Handler) error {
	q := m.queue(topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closed:
			return nil
		case msg := <-q:
			h(ctx, msg)
		}
	}
}

// Pending reports how many messages wait on topic.
func (m *MemoryTransport) Pending(topic string) int {
	return len(m.queue(topic))
}

func (m *MemoryTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
