package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaTransport publishes to one Kafka topic per role. Consumers of a
// role share a consumer group and commit only after the handler ran.
type KafkaTransport struct {
	producer *kafka.Producer
	brokers  string
	group    string
	logger   *slog.Logger
}

func NewKafkaTransport(brokers, group string, logger *slog.Logger) (*KafkaTransport, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	t := &KafkaTransport{
		producer: p,
		brokers:  brokers,
		group:    group,
		logger:   logger.With("component", "messaging.kafka"),
	}

	go func() {
		for e := range p.Events() {
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				t.logger.Error("delivery failed", "topic", *m.TopicPartition.Topic, "error", m.TopicPartition.Error)
			}
		}
	}()

	return t, nil
}

func (k *KafkaTransport) Publish(_ context.Context, topic string, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.ID),
		Value:          value,
	}, nil)
}

func (k *KafkaTransport) Consume(ctx context.Context, topic string, h Handler) error {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.brokers,
		"group.id":           k.group + "." + topic,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer c.Close()

	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	for ctx.Err() == nil {
		ev := c.Poll(100)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			var msg Message
			if err := json.Unmarshal(e.Value, &msg); err != nil {
				k.logger.Error("dropping malformed message", "topic", topic, "error", err)
			} else if err := h(ctx, msg); err != nil {
				k.logger.Error("handler failed", "topic", topic, "message", msg.ID, "error", err)
			}
			if _, err := c.CommitMessage(e); err != nil {
				k.logger.Error("commit failed", "topic", topic, "message", msg.ID, "error", err)
			}
		case kafka.Error:
			k.logger.Error("consumer error", "topic", topic, "error", e)
			if e.Code() == kafka.ErrAllBrokersDown {
				return fmt.Errorf("kafka %s: %w", topic, e)
			}
		}
	}
	return nil
}

func (k *KafkaTransport) Close() error {
	k.producer.Flush(5000)
	k.producer.Close()
	return nil
}
