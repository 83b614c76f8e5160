package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes lifecycle events to a topic for downstream consumers
// (analytics, billing). Keyed by owner so one owner's events stay ordered
// within a partition.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

func (s *KafkaSink) Emit(ownerID, event string, payload map[string]any) {
	value, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		s.logger.Error("marshal kafka event", "event", event, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ownerID),
		Value: value,
	}); err != nil {
		s.logger.Warn("kafka publish failed", "event", event, "error", err)
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
