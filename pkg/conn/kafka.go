package conn

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaOption configures a topic-less writer; every message names its own topic.
type KafkaOption struct {
	Brokers      []string
	BatchTimeout time.Duration
	Async        bool
}

// NewKafkaWriter builds a writer that hashes message keys onto partitions.
func NewKafkaWriter(opt KafkaOption) *kafka.Writer {
	batchTimeout := opt.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(opt.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		Async:                  opt.Async,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}
}
