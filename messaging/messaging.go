// Package messaging carries fire-and-forget casts between keel roles.
// Each role consumes one topic; delivery is at least once, so every
// handler must tolerate seeing a message twice.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Topic string

const (
	TopicWorker    Topic = "worker"
	TopicConductor Topic = "conductor"
	TopicDeployer  Topic = "deployer"
)

type Message struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
	SentAt time.Time       `json:"sentAt"`
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Transport moves messages for named topics.
type Transport interface {
	Publish(ctx context.Context, topic string, msg Message) error
	// Consume delivers messages for topic to h one at a time until ctx
	// is done.
	Consume(ctx context.Context, topic string, h Handler) error
	Close() error
}

// TopicName is the transport-level name for a role topic.
func TopicName(prefix string, t Topic) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

// Caster publishes method calls without waiting for them to run.
type Caster struct {
	transport Transport
	prefix    string
}

func NewCaster(t Transport, prefix string) *Caster {
	return &Caster{transport: t, prefix: prefix}
}

// Cast returns once the transport has accepted the message.
func (c *Caster) Cast(ctx context.Context, topic Topic, method string, args any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("cast %s.%s: encode: %w", topic, method, err)
	}
	msg := Message{
		ID:     uuid.New().String(),
		Method: method,
		Args:   raw,
		SentAt: time.Now().UTC(),
	}
	if err := c.transport.Publish(ctx, TopicName(c.prefix, topic), msg); err != nil {
		return fmt.Errorf("cast %s.%s: %w", topic, method, err)
	}
	return nil
}
