// Package bridge places calls by handing dial requests to an external
// telephony bridge over Kafka. Call events come back on the signaling topic.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/acme/broadcast-dispatch/internal/queue"
	"github.com/acme/broadcast-dispatch/internal/telephony"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

// Publisher writes dial requests.
type Publisher interface {
	DispatchCall(ctx context.Context, msg queue.DialMessage) error
}

// Provider implements telephony.Provider on top of a dial request topic.
type Provider struct {
	publisher      Publisher
	publishTimeout time.Duration
}

// NewProvider constructs a bridge provider.
func NewProvider(publisher Publisher, publishTimeout time.Duration) *Provider {
	return &Provider{publisher: publisher, publishTimeout: publishTimeout}
}

// Dial publishes the request. The sink is not used directly: events are fed
// to the engine by the signaling consumer.
func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest, _ telephony.EventSink) error {
	pctx := ctx
	if p.publishTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	err := p.publisher.DispatchCall(pctx, queue.DialMessage{
		AttemptID:   req.AttemptID,
		CampaignID:  req.CampaignID,
		LineID:      req.LineID,
		PhoneNumber: req.PhoneNumber,
		Message:     req.Message,
		AudioRef:    req.AudioRef,
		TimeoutMs:   req.Timeout.Milliseconds(),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: bridge: %v", apperrors.ErrUnavailable, err)
	}
	return nil
}
