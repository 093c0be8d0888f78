package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaWriter exports audit records to a compliance topic, keyed by entity so
// records for one appointment stay ordered on one partition.
type KafkaWriter struct {
	writer *kafka.Writer
}

func NewKafkaWriter(brokers []string, topic string, log logrus.FieldLogger) (*KafkaWriter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	return &KafkaWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			BatchTimeout: 50 * time.Millisecond,
			Logger:       kafka.LoggerFunc(func(string, ...any) {}),
			ErrorLogger:  kafka.LoggerFunc(log.WithField("component", "audit-kafka").Errorf),
		},
	}, nil
}

func (w *KafkaWriter) Write(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if err := w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageKey(rec)),
		Value: value,
	}); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

func (w *KafkaWriter) Close() error {
	return w.writer.Close()
}

func messageKey(rec Record) string {
	if rec.EntityID != nil {
		return rec.Entity + ":" + strconv.FormatInt(*rec.EntityID, 10)
	}
	return rec.Entity
}
