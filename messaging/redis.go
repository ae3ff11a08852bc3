package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisTransport queues messages on Redis lists. A consumer moves each
// message onto a processing list while it runs and removes it after, so
// a crashed consumer's message is requeued on the next start.
type RedisTransport struct {
	client      *redis.Client
	logger      *slog.Logger
	pollTimeout time.Duration
}

func NewRedisTransport(ctx context.Context, addr string, logger *slog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return NewRedisTransportWithClient(client, logger), nil
}

func NewRedisTransportWithClient(client *redis.Client, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisTransport{
		client:      client,
		logger:      logger.With("component", "messaging.redis"),
		pollTimeout: 5 * time.Second,
	}
}

func queueKey(topic string) string      { return "keel:" + topic }
func processingKey(topic string) string { return "keel:" + topic + ":processing" }

func (r *RedisTransport) Publish(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, queueKey(topic), data).Err()
}

func (r *RedisTransport) Consume(ctx context.Context, topic string, h Handler) error {
	queue, processing := queueKey(topic), processingKey(topic)

	if n, err := r.requeue(ctx, queue, processing); err != nil {
		return fmt.Errorf("requeue %s: %w", topic, err)
	} else if n > 0 {
		r.logger.Warn("requeued unacknowledged messages", "topic", topic, "count", n)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := r.client.BRPopLPush(ctx, queue, processing, r.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("pop failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			r.logger.Error("dropping malformed message", "topic", topic, "error", err)
		} else if err := h(ctx, msg); err != nil {
			r.logger.Error("handler failed", "topic", topic, "message", msg.ID, "error", err)
		}

		// Ack with a fresh context so shutdown does not strand the message.
		ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.client.LRem(ackCtx, processing, 1, raw).Err(); err != nil {
			r.logger.Error("ack failed", "topic", topic, "message", msg.ID, "error", err)
		}
		cancel()
	}
}

func (r *RedisTransport) requeue(ctx context.Context, queue, processing string) (int, error) {
	n := 0
	for {
		err := r.client.RPopLPush(ctx, processing, queue).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *RedisTransport) Close() error {
	return r.client.Close()
}
