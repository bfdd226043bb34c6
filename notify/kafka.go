package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerter publishes alerts as JSON, keyed by deal id so one deal's alerts
// stay ordered on a partition.
type KafkaAlerter struct {
	writer MessageWriter
}

func NewKafkaAlerter(brokers []string, topic string) *KafkaAlerter {
	return &KafkaAlerter{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
	}}
}

func NewKafkaAlerterWithWriter(w MessageWriter) *KafkaAlerter {
	return &KafkaAlerter{writer: w}
}

func (k *KafkaAlerter) Alert(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.DealID),
		Value: data,
		Time:  a.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(a.Kind)},
		},
	}); err != nil {
		return fmt.Errorf("publish %s alert: %w", a.Kind, err)
	}
	return nil
}

func (k *KafkaAlerter) Close() error {
	return k.writer.Close()
}
