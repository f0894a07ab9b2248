package telephony

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/broadcast-dispatch/internal/domain"
)

// DialRequest asks the telephony side to place one call.
type DialRequest struct {
	AttemptID   string
	CampaignID  uuid.UUID
	LineID      string
	PhoneNumber string
	Message     string
	AudioRef    string
	Timeout     time.Duration
}

// Event is a progress signal for one attempt: ringing, answered or a
// terminal status.
type Event struct {
	AttemptID  string
	Status     domain.CallStatus
	Reason     string
	OccurredAt time.Time
}

// EventSink receives call events. Events may be delivered more than once.
type EventSink interface {
	HandleCallEvent(ev Event) error
}

// Provider abstracts the telephony integration. Dial returns once the call
// is placed; progress is reported to sink until a terminal event or until
// ctx is done. An error means the call could not be placed at all.
type Provider interface {
	Dial(ctx context.Context, req DialRequest, sink EventSink) error
}
