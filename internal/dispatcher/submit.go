package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/ledger"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
	"github.com/acme/broadcast-dispatch/pkg/phone"
)

// RecipientInput is one destination of a submission.
type RecipientInput struct {
	PhoneNumber string `validate:"required"`
	ExternalRef string `validate:"max=128"`
	Name        string `validate:"max=256"`
}

// SubmitRequest is a fully expanded campaign definition. Nil settings take
// the configured defaults.
type SubmitRequest struct {
	Title              string           `validate:"required,max=256"`
	Message            string           `validate:"required_without=AudioRef"`
	AudioRef           string           `validate:"required_without=Message"`
	Priority           string           `validate:"omitempty,oneof=low normal high urgent LOW NORMAL HIGH URGENT"`
	MaxRetries         *int             `validate:"omitempty,min=0,max=10"`
	RetryDelay         *time.Duration   `validate:"omitempty,min=0s"`
	CallTimeout        *time.Duration   `validate:"omitempty,min=1ms"`
	MaxConcurrentCalls *int             `validate:"omitempty,min=1"`
	ScheduledAt        *time.Time       `validate:"-"`
	CreatedBy          string           `validate:"required"`
	Recipients         []RecipientInput `validate:"required,min=1,dive"`
}

// Submit validates a campaign definition and registers it as pending.
// Numbers are normalized to E.164 and duplicates dropped; numbers that cannot
// be normalized are kept but settled as failed without being dialed.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (domain.Campaign, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.submit")
	defer span.End()

	if err := d.validate.Struct(&req); err != nil {
		span.RecordError(err)
		return domain.Campaign{}, fmt.Errorf("%w: %s", apperrors.ErrValidation, describeValidation(err))
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return domain.Campaign{}, err
	}

	now := d.now()
	c := domain.Campaign{
		ID:       uuid.New(),
		Title:    strings.TrimSpace(req.Title),
		Message:  req.Message,
		AudioRef: req.AudioRef,
		Priority: priority,
		Status:   domain.CampaignStatusPending,
		RetryPolicy: domain.RetryPolicy{
			MaxRetries: valueOr(req.MaxRetries, d.cfg.Defaults.MaxRetries),
			RetryDelay: valueOr(req.RetryDelay, d.cfg.Defaults.RetryDelay),
		},
		CallTimeout:        valueOr(req.CallTimeout, d.cfg.Defaults.CallTimeout),
		MaxConcurrentCalls: valueOr(req.MaxConcurrentCalls, d.cfg.Defaults.MaxConcurrentCalls),
		ScheduledAt:        req.ScheduledAt,
		CreatedBy:          req.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := checkSettings(c); err != nil {
		return domain.Campaign{}, err
	}

	recipients, invalid := d.normalizeRecipients(req.Recipients)
	l := ledger.New(c, recipients)
	for _, idx := range invalid {
		if err := l.Disqualify(idx, ReasonInvalidNumber, now); err != nil {
			return domain.Campaign{}, err
		}
	}

	snap := l.Snapshot()
	if d.deps.Store != nil {
		if err := d.deps.Store.Create(ctx, snap); err != nil {
			span.RecordError(err)
			return domain.Campaign{}, fmt.Errorf("dispatcher: store campaign: %w", err)
		}
	}
	run, err := d.register(l)
	if err != nil {
		return domain.Campaign{}, err
	}

	span.SetAttributes(
		attribute.String("campaign.id", c.ID.String()),
		attribute.Int("recipients.total", len(recipients)),
		attribute.Int("recipients.invalid", len(invalid)),
	)
	d.log.WithContext(ctx).Info("dispatcher: campaign submitted",
		zap.String("campaign_id", c.ID.String()),
		zap.String("priority", priority.String()),
		zap.Int("recipients", len(recipients)),
		zap.Int("invalid_numbers", len(invalid)))

	d.campaignChanged(ctx, run)
	d.Wake()
	return snap.Campaign, nil
}

func checkSettings(c domain.Campaign) error {
	switch {
	case c.RetryPolicy.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", apperrors.ErrValidation)
	case c.RetryPolicy.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative", apperrors.ErrValidation)
	case c.CallTimeout <= 0:
		return fmt.Errorf("%w: call timeout must be positive", apperrors.ErrValidation)
	case c.MaxConcurrentCalls < 1:
		return fmt.Errorf("%w: max concurrent calls must be at least 1", apperrors.ErrValidation)
	}
	return nil
}

func (d *Dispatcher) normalizeRecipients(in []RecipientInput) ([]domain.Recipient, []int) {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.Recipient, 0, len(in))
	var invalid []int

	for _, r := range in {
		number, err := phone.Normalize(r.PhoneNumber, d.cfg.DefaultRegion)
		if err != nil {
			number = strings.TrimSpace(r.PhoneNumber)
		}
		if _, dup := seen[number]; dup {
			continue
		}
		seen[number] = struct{}{}
		if err != nil {
			invalid = append(invalid, len(out))
		}
		out = append(out, domain.Recipient{PhoneNumber: number, ExternalRef: r.ExternalRef, Name: r.Name})
	}
	return out, invalid
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Start starts a pending campaign now, regardless of its scheduled time.
func (d *Dispatcher) Start(ctx context.Context, id uuid.UUID) (domain.Campaign, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.start", trace.WithAttributes(attribute.String("campaign.id", id.String())))
	defer span.End()

	run, err := d.lookup(id)
	if err != nil {
		return domain.Campaign{}, err
	}

	d.tickMu.Lock()
	err = d.start(ctx, run, d.now())
	d.tickMu.Unlock()
	if err != nil {
		span.RecordError(err)
		return domain.Campaign{}, err
	}
	d.Wake()
	return run.ledger.Campaign(), nil
}

// Cancel stops a campaign. New dispatch stops immediately and in-flight
// attempts end as cancelled; settled recipients are left untouched.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID, by, reason string) (domain.Campaign, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.cancel", trace.WithAttributes(attribute.String("campaign.id", id.String())))
	defer span.End()

	if strings.TrimSpace(by) == "" {
		return domain.Campaign{}, fmt.Errorf("%w: cancelled by is required", apperrors.ErrValidation)
	}
	run, err := d.lookup(id)
	if err != nil {
		return domain.Campaign{}, err
	}

	now := d.now()
	if err := run.ledger.Cancel(by, reason, now); err != nil {
		span.RecordError(err)
		return domain.Campaign{}, err
	}
	run.cancel()

	inflight := d.activeWhere(func(call *activeCall) bool { return call.run == run })
	for _, call := range inflight {
		call.finish(func(a *domain.CallAttempt) bool { return a.Cancel(ReasonCancelled, now) })
	}

	d.log.WithContext(ctx).Info("dispatcher: campaign cancelled",
		zap.String("campaign_id", id.String()),
		zap.String("cancelled_by", by),
		zap.String("reason", reason),
		zap.Int("in_flight", len(inflight)))
	d.campaignChanged(ctx, run)
	return run.ledger.Campaign(), nil
}

// CancelResult is the per-campaign result of a bulk cancellation.
type CancelResult struct {
	CampaignID uuid.UUID
	Err        error
}

// BulkCancel cancels every listed campaign independently.
func (d *Dispatcher) BulkCancel(ctx context.Context, ids []uuid.UUID, by, reason string) []CancelResult {
	out := make([]CancelResult, 0, len(ids))
	for _, id := range ids {
		_, err := d.Cancel(ctx, id, by, reason)
		out = append(out, CancelResult{CampaignID: id, Err: err})
	}
	return out
}
