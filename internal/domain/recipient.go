package domain

import "time"

// RecipientStatus enumerates the dispatch state of one destination.
type RecipientStatus string

const (
	RecipientStatusPending  RecipientStatus = "pending"
	RecipientStatusRetry    RecipientStatus = "retry"
	RecipientStatusCalling  RecipientStatus = "calling"
	RecipientStatusSuccess  RecipientStatus = "success"
	RecipientStatusFailed   RecipientStatus = "failed"
	RecipientStatusNoAnswer RecipientStatus = "no_answer"
	RecipientStatusBusy     RecipientStatus = "busy"
)

// IsTerminal reports whether the recipient will not be dialed again.
func (s RecipientStatus) IsTerminal() bool {
	switch s {
	case RecipientStatusSuccess, RecipientStatusFailed, RecipientStatusNoAnswer, RecipientStatusBusy:
		return true
	}
	return false
}

// IsEligible reports whether the status allows a new dial attempt.
func (s RecipientStatus) IsEligible() bool {
	return s == RecipientStatusPending || s == RecipientStatusRetry
}

// Recipient is one destination within a campaign. Index is its position in
// the submitted list and identifies it inside the campaign.
type Recipient struct {
	Index       int
	PhoneNumber string
	ExternalRef string
	Name        string

	Status          RecipientStatus
	Attempts        int
	LastAttemptAt   *time.Time
	NextAttemptAt   *time.Time
	LastDuration    *time.Duration
	LastError       string
	ActiveAttemptID string
}

// DueAt reports whether an eligible recipient may be dialed at now.
func (r *Recipient) DueAt(now time.Time) bool {
	if !r.Status.IsEligible() {
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

// Outcome is the terminal result of one call attempt as fed to the ledger.
type Outcome struct {
	AttemptID      string
	RecipientIndex int
	Status         CallStatus
	Duration       *time.Duration
	Reason         string
	At             time.Time
}

// AverageDuration is the mean LastDuration of recipients that have one.
func AverageDuration(recipients []Recipient) time.Duration {
	var (
		total    time.Duration
		measured int
	)
	for _, r := range recipients {
		if r.LastDuration != nil {
			total += *r.LastDuration
			measured++
		}
	}
	if measured == 0 {
		return 0
	}
	return total / time.Duration(measured)
}

// SettledCounts counts recipients settled as success and as failure.
func SettledCounts(recipients []Recipient) (success, failure int) {
	for _, r := range recipients {
		switch {
		case r.Status == RecipientStatusSuccess:
			success++
		case r.Status.IsTerminal():
			failure++
		}
	}
	return success, failure
}
