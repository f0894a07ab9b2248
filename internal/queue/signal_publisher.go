package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// SignalPublisher emits call and line events on the signaling topic.
type SignalPublisher struct {
	writer *kafka.Writer
}

// NewSignalPublisher constructs a publisher for the given topic.
func NewSignalPublisher(k *Kafka, topic string) *SignalPublisher {
	return &SignalPublisher{writer: k.NewWriter(topic)}
}

// PublishSignal writes one event.
func (p *SignalPublisher) PublishSignal(ctx context.Context, msg SignalMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signal publisher: marshal message: %w", err)
	}
	key := msg.AttemptID
	if msg.Kind == SignalKindLine {
		key = msg.LineID
	}
	if err := writeJSON(ctx, p.writer, key, value); err != nil {
		return fmt.Errorf("signal publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *SignalPublisher) Close() error {
	return p.writer.Close()
}
