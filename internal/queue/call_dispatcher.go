package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// CallDispatcher publishes dial requests to the telephony bridge.
type CallDispatcher struct {
	writer *kafka.Writer
}

// NewCallDispatcher constructs a dispatcher for the given topic.
func NewCallDispatcher(k *Kafka, topic string) *CallDispatcher {
	return &CallDispatcher{writer: k.NewWriter(topic)}
}

// DispatchCall writes the dial request keyed by line so a bridge instance
// sees one line's calls in order.
func (d *CallDispatcher) DispatchCall(ctx context.Context, msg DialMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("call dispatcher: marshal message: %w", err)
	}
	if err := writeJSON(ctx, d.writer, msg.LineID, value); err != nil {
		return fmt.Errorf("call dispatcher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *CallDispatcher) Close() error {
	return d.writer.Close()
}
