package relay

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
)

// Publisher delivers an encoded message on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Redis publishes on Redis pub/sub channels.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "redis publish, channel: %s", channel)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Kafka writes every channel into one topic, using the channel as the message key
// so one (symbol, timeframe) stays on one partition.
type Kafka struct {
	writer *kafka.Writer
	topic  string
}

func NewKafka(writer *kafka.Writer, topic string) *Kafka {
	return &Kafka{writer: writer, topic: topic}
}

func (k *Kafka) Publish(ctx context.Context, channel string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(channel),
		Value: payload,
	})
	if err != nil {
		return errors.Wrapf(err, "kafka write, topic: %s, key: %s", k.topic, channel)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
