package domain

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending    CampaignStatus = "pending"
	CampaignStatusInProgress CampaignStatus = "in_progress"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusCancelled  CampaignStatus = "cancelled"
	CampaignStatusFailed     CampaignStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

// Priority orders campaigns for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a case-insensitive name to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", apperrors.ErrValidation, s)
}

// RetryPolicy defines retry rules for failed call attempts. RetryDelay is a
// fixed delay measured from the recipient's last attempt.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// MaxAttempts is the total number of dial attempts a recipient may receive.
func (p RetryPolicy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// Campaign models a broadcast job. Status and counters change only through
// the transition methods below.
type Campaign struct {
	ID                 uuid.UUID
	Title              string
	Message            string
	AudioRef           string
	Priority           Priority
	Status             CampaignStatus
	RetryPolicy        RetryPolicy
	CallTimeout        time.Duration
	MaxConcurrentCalls int
	ScheduledAt        *time.Time

	TotalRecipients int
	SuccessCount    int
	FailureCount    int
	AverageDuration time.Duration

	CreatedBy     string
	CancelledBy   string
	CancelReason  string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

func (c *Campaign) transitionError(to CampaignStatus) error {
	return fmt.Errorf("%w: campaign %s: %s -> %s", apperrors.ErrInvalidTransition, c.ID, c.Status, to)
}

// ReadyAt reports whether a pending campaign may start at now.
func (c *Campaign) ReadyAt(now time.Time) bool {
	if c.Status != CampaignStatusPending {
		return false
	}
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// Start moves a pending campaign into progress.
func (c *Campaign) Start(now time.Time) error {
	if c.Status != CampaignStatusPending {
		return c.transitionError(CampaignStatusInProgress)
	}
	c.Status = CampaignStatusInProgress
	c.StartedAt = &now
	c.UpdatedAt = now
	return nil
}

// Complete finishes a running campaign. Every recipient must be terminal.
func (c *Campaign) Complete(now time.Time, recipients []Recipient) error {
	if c.Status != CampaignStatusInProgress {
		return c.transitionError(CampaignStatusCompleted)
	}

	for _, r := range recipients {
		if !r.Status.IsTerminal() {
			return fmt.Errorf("%w: campaign %s: recipient %d still %s", apperrors.ErrInvalidTransition, c.ID, r.Index, r.Status)
		}
	}

	c.AverageDuration = AverageDuration(recipients)
	c.Status = CampaignStatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

// Cancel stops a campaign that has not yet finished.
func (c *Campaign) Cancel(by, reason string, now time.Time) error {
	if c.Status.IsTerminal() {
		return c.transitionError(CampaignStatusCancelled)
	}
	c.Status = CampaignStatusCancelled
	c.CancelledBy = by
	c.CancelReason = reason
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

// Fail marks a campaign that cannot proceed at all.
func (c *Campaign) Fail(reason string, now time.Time) error {
	if c.Status.IsTerminal() {
		return c.transitionError(CampaignStatusFailed)
	}
	c.Status = CampaignStatusFailed
	c.FailureReason = reason
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

// Tally folds settled outcomes into the aggregate counters.
func (c *Campaign) Tally(success, failure int, now time.Time) error {
	if success < 0 || failure < 0 {
		return fmt.Errorf("%w: campaign %s: negative tally", apperrors.ErrInvalidTransition, c.ID)
	}
	if c.SuccessCount+success+c.FailureCount+failure > c.TotalRecipients {
		return fmt.Errorf("%w: campaign %s: settled count exceeds %d recipients", apperrors.ErrInvalidTransition, c.ID, c.TotalRecipients)
	}
	c.SuccessCount += success
	c.FailureCount += failure
	c.UpdatedAt = now
	return nil
}

// CompareDispatchOrder orders campaigns by priority (highest first) and then
// by creation time (oldest first). It is suitable for slices.SortFunc.
func CompareDispatchOrder(a, b *Campaign) int {
	if a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

// Snapshot is a consistent copy of a campaign and its recipients.
type Snapshot struct {
	Campaign   Campaign
	Recipients []Recipient
}
