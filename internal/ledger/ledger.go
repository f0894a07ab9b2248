// Package ledger keeps the per-campaign record of recipients and their
// attempt history. A Ledger is the single owner of its campaign's status and
// aggregate counters; every mutation goes through one mutex.
package ledger

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/broadcast-dispatch/internal/domain"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

// ReasonInterrupted marks attempts lost with a previous engine process.
const ReasonInterrupted = "interrupted"

// Delta describes what one recorded outcome changed.
type Delta struct {
	Duplicate bool
	Success   int
	Failure   int
	Retry     bool
	Reverted  bool
	Recipient domain.Recipient
}

// Ledger owns one campaign and its recipients.
type Ledger struct {
	mu         sync.Mutex
	campaign   domain.Campaign
	recipients []domain.Recipient
	recorded   map[string]struct{}
}

// New creates a ledger for a freshly submitted campaign. Recipient statuses
// are reset to pending and indexes follow list order.
func New(c domain.Campaign, recipients []domain.Recipient) *Ledger {
	rs := make([]domain.Recipient, len(recipients))
	for i, r := range recipients {
		r.Index = i
		r.Status = domain.RecipientStatusPending
		r.Attempts = 0
		r.ActiveAttemptID = ""
		rs[i] = r
	}
	c.TotalRecipients = len(rs)
	c.SuccessCount, c.FailureCount = 0, 0
	return &Ledger{campaign: c, recipients: rs, recorded: make(map[string]struct{})}
}

// Restore rebuilds a ledger from persisted state. Aggregate counters are
// recomputed from recipient statuses.
func Restore(s domain.Snapshot) *Ledger {
	c := s.Campaign
	c.TotalRecipients = len(s.Recipients)
	c.SuccessCount, c.FailureCount = domain.SettledCounts(s.Recipients)
	return &Ledger{
		campaign:   c,
		recipients: cloneRecipients(s.Recipients),
		recorded:   make(map[string]struct{}),
	}
}

// ID returns the campaign identity.
func (l *Ledger) ID() uuid.UUID {
	return l.campaign.ID
}

// Campaign returns a copy of the campaign.
func (l *Ledger) Campaign() domain.Campaign {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.campaign
}

// Snapshot returns a consistent copy of campaign and recipients.
func (l *Ledger) Snapshot() domain.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.Snapshot{Campaign: l.campaign, Recipients: cloneRecipients(l.recipients)}
}

// Recipient returns a copy of one recipient.
func (l *Ledger) Recipient(index int) (domain.Recipient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.recipients) {
		return domain.Recipient{}, fmt.Errorf("%w: recipient %d", apperrors.ErrNotFound, index)
	}
	return l.recipients[index], nil
}

// Eligible yields recipients that may be dialed at now: never-attempted ones
// first, then those waiting to retry, each group in list order. State is read
// lazily as the sequence advances, so it can be restarted at any time and
// reflects recipients claimed in between. Nothing is yielded unless the
// campaign is in progress.
func (l *Ledger) Eligible(now time.Time) iter.Seq[domain.Recipient] {
	return func(yield func(domain.Recipient) bool) {
		for _, pass := range []domain.RecipientStatus{domain.RecipientStatusPending, domain.RecipientStatusRetry} {
			for i := 0; ; i++ {
				r, ok, more := l.eligibleAt(i, pass, now)
				if !more {
					break
				}
				if ok && !yield(r) {
					return
				}
			}
		}
	}
}

func (l *Ledger) eligibleAt(i int, status domain.RecipientStatus, now time.Time) (domain.Recipient, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.campaign.Status != domain.CampaignStatusInProgress || i >= len(l.recipients) {
		return domain.Recipient{}, false, false
	}
	r := l.recipients[i]
	if r.Status != status || !r.DueAt(now) {
		return domain.Recipient{}, false, true
	}
	return r, true, true
}

// MarkCalling claims an eligible recipient for attemptID.
func (l *Ledger) MarkCalling(index int, attemptID string, now time.Time) (domain.Recipient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.campaign.Status != domain.CampaignStatusInProgress {
		return domain.Recipient{}, fmt.Errorf("%w: campaign %s is %s", apperrors.ErrConflict, l.campaign.ID, l.campaign.Status)
	}
	if index < 0 || index >= len(l.recipients) {
		return domain.Recipient{}, fmt.Errorf("%w: recipient %d", apperrors.ErrNotFound, index)
	}
	r := &l.recipients[index]
	if !r.DueAt(now) {
		return domain.Recipient{}, fmt.Errorf("%w: recipient %d is %s", apperrors.ErrConflict, index, r.Status)
	}
	if r.Attempts >= l.campaign.RetryPolicy.MaxAttempts() {
		return domain.Recipient{}, fmt.Errorf("%w: recipient %d exhausted %d attempts", apperrors.ErrInvalidTransition, index, r.Attempts)
	}
	r.Status = domain.RecipientStatusCalling
	r.ActiveAttemptID = attemptID
	return *r, nil
}

// RecordOutcome applies the terminal result of one attempt. An attempt ID
// already recorded is reported as a duplicate and changes nothing.
func (l *Ledger) RecordOutcome(o domain.Outcome) (Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.recorded[o.AttemptID]; seen {
		return Delta{Duplicate: true}, nil
	}
	if o.RecipientIndex < 0 || o.RecipientIndex >= len(l.recipients) {
		return Delta{}, fmt.Errorf("%w: recipient %d", apperrors.ErrNotFound, o.RecipientIndex)
	}
	r := &l.recipients[o.RecipientIndex]
	if r.Status != domain.RecipientStatusCalling || r.ActiveAttemptID != o.AttemptID {
		return Delta{}, fmt.Errorf("%w: recipient %d is %s, not calling attempt %s",
			apperrors.ErrInvalidTransition, r.Index, r.Status, o.AttemptID)
	}
	if !o.Status.IsTerminal() {
		return Delta{}, fmt.Errorf("%w: attempt %s outcome %s is not terminal", apperrors.ErrInvalidTransition, o.AttemptID, o.Status)
	}

	at := o.At
	if at.IsZero() {
		at = time.Now()
	}

	delta, err := l.settle(r, o, at)
	if err != nil {
		return Delta{}, err
	}
	l.recorded[o.AttemptID] = struct{}{}
	delta.Recipient = *r
	return delta, nil
}

func (l *Ledger) settle(r *domain.Recipient, o domain.Outcome, at time.Time) (Delta, error) {
	var delta Delta

	if o.Status == domain.CallStatusCancelled {
		r.ActiveAttemptID = ""
		if r.Attempts == 0 {
			r.Status = domain.RecipientStatusPending
		} else {
			r.Status = domain.RecipientStatusRetry
		}
		delta.Reverted = true
		return delta, nil
	}

	next := *r
	next.Attempts++
	next.LastAttemptAt = &at
	next.ActiveAttemptID = ""
	next.LastError = o.Reason
	next.NextAttemptAt = nil

	switch o.Status {
	case domain.CallStatusCompleted:
		next.Status = domain.RecipientStatusSuccess
		next.LastDuration = o.Duration
		next.LastError = ""
		delta.Success = 1
	case domain.CallStatusFailed, domain.CallStatusBusy, domain.CallStatusNoAnswer:
		if next.Attempts < l.campaign.RetryPolicy.MaxAttempts() {
			next.Status = domain.RecipientStatusRetry
			due := at.Add(l.campaign.RetryPolicy.RetryDelay)
			next.NextAttemptAt = &due
			delta.Retry = true
		} else {
			next.Status = terminalFailure(o.Status)
			delta.Failure = 1
		}
	default:
		return Delta{}, fmt.Errorf("%w: unexpected outcome %s", apperrors.ErrInvalidTransition, o.Status)
	}

	if err := l.campaign.Tally(delta.Success, delta.Failure, at); err != nil {
		return Delta{}, err
	}
	*r = next
	return delta, nil
}

func terminalFailure(s domain.CallStatus) domain.RecipientStatus {
	switch s {
	case domain.CallStatusBusy:
		return domain.RecipientStatusBusy
	case domain.CallStatusNoAnswer:
		return domain.RecipientStatusNoAnswer
	}
	return domain.RecipientStatusFailed
}

// Disqualify settles a never-dialed recipient as permanently failed, for
// example when its number cannot be dialed at all.
func (l *Ledger) Disqualify(index int, reason string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.recipients) {
		return fmt.Errorf("%w: recipient %d", apperrors.ErrNotFound, index)
	}
	r := &l.recipients[index]
	if r.Status != domain.RecipientStatusPending || r.Attempts != 0 {
		return fmt.Errorf("%w: recipient %d is %s", apperrors.ErrInvalidTransition, index, r.Status)
	}
	if err := l.campaign.Tally(0, 1, now); err != nil {
		return err
	}
	r.Status = domain.RecipientStatusFailed
	r.LastError = reason
	return nil
}

// RecoverInterrupted settles recipients left calling by a previous process as
// failed attempts. It returns how many were recovered.
func (l *Ledger) RecoverInterrupted(now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	for i := range l.recipients {
		r := &l.recipients[i]
		if r.Status != domain.RecipientStatusCalling {
			continue
		}
		o := domain.Outcome{AttemptID: r.ActiveAttemptID, RecipientIndex: i, Status: domain.CallStatusFailed, Reason: ReasonInterrupted, At: now}
		if _, err := l.settle(r, o, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Dialable reports whether any recipient can still be dialed.
func (l *Ledger) Dialable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.recipients {
		if r.Status.IsEligible() || r.Status == domain.RecipientStatusCalling {
			return true
		}
	}
	return false
}

// Start moves the campaign into progress.
func (l *Ledger) Start(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.campaign.Start(now)
}

// TryComplete completes the campaign when it is running and every recipient
// is terminal. It reports whether the campaign was completed.
func (l *Ledger) TryComplete(now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.campaign.Status != domain.CampaignStatusInProgress {
		return false, nil
	}
	for _, r := range l.recipients {
		if !r.Status.IsTerminal() {
			return false, nil
		}
	}
	if err := l.campaign.Complete(now, l.recipients); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel cancels the campaign. Recipients are left as they are; in-flight
// attempts report back through RecordOutcome.
func (l *Ledger) Cancel(by, reason string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.campaign.Cancel(by, reason, now)
}

// Fail marks the campaign as unable to proceed.
func (l *Ledger) Fail(reason string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.campaign.Fail(reason, now)
}

func cloneRecipients(in []domain.Recipient) []domain.Recipient {
	out := make([]domain.Recipient, len(in))
	copy(out, in)
	return out
}
