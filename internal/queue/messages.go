package queue

import (
	"time"

	"github.com/google/uuid"
)

// DialMessage instructs the telephony bridge to place one call.
type DialMessage struct {
	AttemptID   string    `json:"attempt_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	LineID      string    `json:"line_id"`
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message,omitempty"`
	AudioRef    string    `json:"audio_ref,omitempty"`
	TimeoutMs   int64     `json:"timeout_ms"`
	RequestedAt time.Time `json:"requested_at"`
}

// Signal kinds carried on the signaling topic.
const (
	SignalKindCall = "call"
	SignalKindLine = "line"
)

// SignalMessage is a call progress event or a line registration change
// reported by the signaling side.
type SignalMessage struct {
	Kind       string    `json:"kind"`
	AttemptID  string    `json:"attempt_id,omitempty"`
	LineID     string    `json:"line_id,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Status kinds published for dashboards.
const (
	StatusKindCampaign  = "campaign"
	StatusKindRecipient = "recipient"
)

// StatusMessage carries campaign or recipient state to downstream consumers.
type StatusMessage struct {
	Kind       string    `json:"kind"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Status     string    `json:"status"`

	TotalRecipients    int   `json:"total_recipients,omitempty"`
	SuccessCount       int   `json:"success_count,omitempty"`
	FailureCount       int   `json:"failure_count,omitempty"`
	ProgressPercentage int   `json:"progress_percentage,omitempty"`
	SuccessRate        int   `json:"success_rate,omitempty"`
	AverageDurationMs  int64 `json:"average_duration_ms,omitempty"`

	RecipientIndex *int   `json:"recipient_index,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	DurationMs     int64  `json:"duration_ms,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
