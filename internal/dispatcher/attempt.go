package dispatcher

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/linepool"
	"github.com/acme/broadcast-dispatch/internal/observability"
	"github.com/acme/broadcast-dispatch/internal/telephony"
)

// activeCall is one attempt between launch and settlement. mu guards attempt;
// done is closed exactly once, when attempt becomes terminal.
type activeCall struct {
	mu      sync.Mutex
	attempt *domain.CallAttempt
	done    chan struct{}
	closed  bool

	handle  *linepool.Handle
	run     *campaignRun
	guarded bool
}

// finish applies fn to the attempt unless it already ended. It reports
// whether the attempt became terminal.
func (a *activeCall) finish(fn func(*domain.CallAttempt) bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	if !fn(a.attempt) || !a.attempt.Status.IsTerminal() {
		return false
	}
	a.closed = true
	close(a.done)
	return true
}

func (a *activeCall) snapshot() domain.CallAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.attempt
}

func newAttemptID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// launch claims recipient r and starts its attempt on the granted slot.
func (d *Dispatcher) launch(run *campaignRun, c domain.Campaign, r domain.Recipient, h *linepool.Handle, guarded bool, now time.Time) error {
	id := newAttemptID(now)
	claimed, err := run.ledger.MarkCalling(r.Index, id, now)
	if err != nil {
		return err
	}

	call := &activeCall{
		attempt: domain.NewCallAttempt(id, c.ID, claimed, h.LineID, now),
		done:    make(chan struct{}),
		handle:  h,
		run:     run,
		guarded: guarded,
	}
	d.mu.Lock()
	d.active[id] = call
	d.mu.Unlock()

	observability.Dials.WithLabelValues(h.LineID).Inc()
	d.persistRecipient(run, claimed.Index)

	req := telephony.DialRequest{
		AttemptID:   id,
		CampaignID:  c.ID,
		LineID:      h.LineID,
		PhoneNumber: claimed.PhoneNumber,
		Message:     c.Message,
		AudioRef:    c.AudioRef,
		Timeout:     c.CallTimeout,
	}
	d.wg.Add(1)
	go d.runAttempt(call, req)
	return nil
}

// runAttempt places the call and waits for a terminal event, the call
// timeout, or cancellation. The slot is always released on the way out.
func (d *Dispatcher) runAttempt(call *activeCall, req telephony.DialRequest) {
	defer d.wg.Done()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Defaults.CallTimeout
	}
	ctx, cancel := context.WithTimeout(call.run.ctx, timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "dispatcher.attempt", trace.WithAttributes(
		attribute.String("attempt.id", req.AttemptID),
		attribute.String("campaign.id", req.CampaignID.String()),
		attribute.String("line.id", req.LineID),
	))
	defer span.End()

	if err := d.deps.Provider.Dial(ctx, req, d); err != nil {
		span.RecordError(err)
		observability.DialErrors.WithLabelValues(req.LineID).Inc()
		d.log.WithContext(ctx).Warn("dispatcher: dial failed", zap.Error(err),
			zap.String("attempt_id", req.AttemptID), zap.String("line_id", req.LineID))
		now := d.now()
		call.finish(func(a *domain.CallAttempt) bool { return a.ForceFail(reasonDialFailPrefix+err.Error(), now) })
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		now := d.now()
		switch {
		case d.ctx.Err() != nil:
			call.finish(func(a *domain.CallAttempt) bool { return a.Cancel(ReasonShutdown, now) })
		case call.run.ctx.Err() != nil:
			call.finish(func(a *domain.CallAttempt) bool { return a.Cancel(ReasonCancelled, now) })
		default:
			call.finish(func(a *domain.CallAttempt) bool { return a.ForceFail(domain.ReasonTimeout, now) })
		}
	}

	attempt := call.snapshot()
	span.SetAttributes(attribute.String("attempt.status", string(attempt.Status)))
	d.settle(call, attempt)
}

// settle archives a terminal attempt and returns its slot. The pool's release
// callback records the outcome.
func (d *Dispatcher) settle(call *activeCall, attempt domain.CallAttempt) {
	d.mu.Lock()
	delete(d.active, attempt.ID)
	d.mu.Unlock()

	if d.deps.Archive != nil {
		ctx, cancel := d.persistContext()
		if err := d.deps.Archive.Append(ctx, attempt); err != nil {
			d.log.Warn("dispatcher: archive attempt", zap.Error(err), zap.String("attempt_id", attempt.ID))
		}
		cancel()
	}

	d.releaseGuard(call.guarded)
	d.deps.Pool.Release(call.handle, attempt.Outcome())
}

// onRelease feeds a released slot's outcome to its campaign's ledger.
func (d *Dispatcher) onRelease(h *linepool.Handle, outcome domain.Outcome) {
	run, err := d.lookup(h.CampaignID)
	if err != nil {
		d.log.Error("dispatcher: outcome for unknown campaign", zap.Error(err), zap.String("attempt_id", outcome.AttemptID))
		return
	}

	delta, err := run.ledger.RecordOutcome(outcome)
	if err != nil {
		d.log.Error("dispatcher: record outcome", zap.Error(err),
			zap.String("campaign_id", h.CampaignID.String()), zap.String("attempt_id", outcome.AttemptID))
		return
	}
	if delta.Duplicate {
		return
	}

	observability.Outcomes.WithLabelValues(string(outcome.Status)).Inc()
	if outcome.Duration != nil {
		observability.CallDuration.Observe(outcome.Duration.Seconds())
	}

	d.persistRecipient(run, delta.Recipient.Index)
	d.persistCampaign(run)
	d.publishRecipient(run, delta.Recipient)

	ctx, cancel := d.persistContext()
	defer cancel()
	if !d.tryComplete(ctx, run) {
		d.upsertRollup(ctx, run)
	}
	if delta.Reverted || delta.Retry {
		d.Wake()
	}
}

// HandleCallEvent applies a progress event from the signaling side. Events
// for attempts that are unknown or already settled are ignored, so
// redelivery is harmless.
func (d *Dispatcher) HandleCallEvent(ev telephony.Event) error {
	d.mu.Lock()
	call, ok := d.active[ev.AttemptID]
	d.mu.Unlock()
	if !ok {
		d.log.Debug("dispatcher: event for inactive attempt", zap.String("attempt_id", ev.AttemptID), zap.String("status", string(ev.Status)))
		return nil
	}

	call.mu.Lock()
	defer call.mu.Unlock()

	if call.closed || call.attempt.Status == ev.Status {
		return nil
	}
	at := ev.OccurredAt
	if at.IsZero() || at.Before(call.attempt.StartTime) {
		at = d.now()
	}
	if err := call.attempt.Transition(ev.Status, ev.Reason, at); err != nil {
		d.log.Error("dispatcher: illegal call transition", zap.Error(err), zap.String("attempt_id", ev.AttemptID))
		return err
	}
	if call.attempt.Status.IsTerminal() {
		call.closed = true
		close(call.done)
	}
	return nil
}

// activeWhere returns the in-flight attempts matching keep.
func (d *Dispatcher) activeWhere(keep func(*activeCall) bool) []*activeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*activeCall
	for _, call := range d.active {
		if keep(call) {
			out = append(out, call)
		}
	}
	return out
}
