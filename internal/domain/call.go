package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

// CallStatus enumerates lifecycle stages of one dial attempt.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusBusy      CallStatus = "busy"
	CallStatusNoAnswer  CallStatus = "no_answer"
	CallStatusCancelled CallStatus = "cancelled"
)

// IsTerminal reports whether the attempt has finished.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusCancelled:
		return true
	}
	return false
}

// legal lists the transitions a signaled event may perform.
var legal = map[CallStatus][]CallStatus{
	CallStatusInitiated: {CallStatusRinging, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusCancelled},
	CallStatusRinging:   {CallStatusAnswered, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusCancelled},
	CallStatusAnswered:  {CallStatusCompleted, CallStatusCancelled},
}

// CanTransition reports whether from -> to is a legal signaled transition.
func CanTransition(from, to CallStatus) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReasonTimeout is recorded when an attempt outlives its call timeout.
const ReasonTimeout = "timeout"

// CallAttempt is one dial instance against a recipient on a line. It is not
// safe for concurrent use.
type CallAttempt struct {
	ID             string
	CampaignID     uuid.UUID
	RecipientIndex int
	PhoneNumber    string
	LineID         string
	AttemptNumber  int
	Status         CallStatus
	StartTime      time.Time
	AnswerTime     *time.Time
	EndTime        *time.Time
	FailureReason  string
}

// NewCallAttempt creates an attempt in the initiated state.
func NewCallAttempt(id string, campaignID uuid.UUID, r Recipient, lineID string, now time.Time) *CallAttempt {
	return &CallAttempt{
		ID:             id,
		CampaignID:     campaignID,
		RecipientIndex: r.Index,
		PhoneNumber:    r.PhoneNumber,
		LineID:         lineID,
		AttemptNumber:  r.Attempts + 1,
		Status:         CallStatusInitiated,
		StartTime:      now,
	}
}

// Transition applies a signaled status change.
func (a *CallAttempt) Transition(to CallStatus, reason string, now time.Time) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: attempt %s: %s -> %s", apperrors.ErrInvalidTransition, a.ID, a.Status, to)
	}
	a.Status = to
	switch to {
	case CallStatusAnswered:
		a.AnswerTime = &now
	case CallStatusRinging:
	default:
		a.EndTime = &now
		a.FailureReason = reason
	}
	return nil
}

// ForceFail ends a non-terminal attempt as failed regardless of its current
// state. It is used for timeouts and lost lines and reports whether it applied.
func (a *CallAttempt) ForceFail(reason string, now time.Time) bool {
	if a.Status.IsTerminal() {
		return false
	}
	a.Status = CallStatusFailed
	a.FailureReason = reason
	a.EndTime = &now
	return true
}

// Cancel ends a non-terminal attempt as cancelled and reports whether it applied.
func (a *CallAttempt) Cancel(reason string, now time.Time) bool {
	if a.Status.IsTerminal() {
		return false
	}
	a.Status = CallStatusCancelled
	a.FailureReason = reason
	a.EndTime = &now
	return true
}

// Duration is defined only for answered attempts that completed.
func (a *CallAttempt) Duration() (time.Duration, bool) {
	if a.Status != CallStatusCompleted || a.AnswerTime == nil || a.EndTime == nil {
		return 0, false
	}
	return a.EndTime.Sub(a.StartTime), true
}

// Outcome folds a terminal attempt into the form recorded by the ledger.
func (a *CallAttempt) Outcome() Outcome {
	out := Outcome{
		AttemptID:      a.ID,
		RecipientIndex: a.RecipientIndex,
		Status:         a.Status,
		Reason:         a.FailureReason,
	}
	if a.EndTime != nil {
		out.At = *a.EndTime
	}
	if d, ok := a.Duration(); ok {
		out.Duration = &d
	}
	return out
}
