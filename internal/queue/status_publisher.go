package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/acme/broadcast-dispatch/internal/domain"
)

// StatusPublisher publishes campaign and recipient status for dashboards.
type StatusPublisher struct {
	writer *kafka.Writer
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// PublishCampaign emits a campaign-level status message.
func (p *StatusPublisher) PublishCampaign(ctx context.Context, stats domain.CampaignStats) error {
	return p.publish(ctx, StatusMessage{
		Kind:               StatusKindCampaign,
		CampaignID:         stats.CampaignID,
		Status:             string(stats.Status),
		TotalRecipients:    stats.TotalRecipients,
		SuccessCount:       stats.SuccessCount,
		FailureCount:       stats.FailureCount,
		ProgressPercentage: stats.ProgressPercentage,
		SuccessRate:        stats.SuccessRate,
		AverageDurationMs:  stats.AverageDuration.Milliseconds(),
		OccurredAt:         time.Now().UTC(),
	})
}

// PublishRecipient emits the state of one recipient.
func (p *StatusPublisher) PublishRecipient(ctx context.Context, campaignID uuid.UUID, r domain.Recipient) error {
	index := r.Index
	msg := StatusMessage{
		Kind:           StatusKindRecipient,
		CampaignID:     campaignID,
		Status:         string(r.Status),
		RecipientIndex: &index,
		PhoneNumber:    r.PhoneNumber,
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		OccurredAt:     time.Now().UTC(),
	}
	if r.LastDuration != nil {
		msg.DurationMs = r.LastDuration.Milliseconds()
	}
	return p.publish(ctx, msg)
}

func (p *StatusPublisher) publish(ctx context.Context, msg StatusMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("status publisher: marshal message: %w", err)
	}
	if err := writeJSON(ctx, p.writer, msg.CampaignID.String(), value); err != nil {
		return fmt.Errorf("status publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}
