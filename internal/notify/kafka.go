package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes events as JSON to a topic, keyed by session so one session's
// events stay ordered within a partition.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		timeout: 5 * time.Second,
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   eventKey(ev),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func eventKey(ev model.Event) []byte {
	if ev.SessionID != 0 {
		return []byte("session-" + strconv.FormatUint(ev.SessionID, 10))
	}
	return []byte("instance-" + strconv.FormatUint(ev.InstanceID, 10))
}
