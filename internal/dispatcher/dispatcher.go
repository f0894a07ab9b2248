// Package dispatcher runs the scheduling loop that turns campaigns into a
// bounded stream of dial attempts.
//
// One loop decides what to dial. Each attempt then runs in its own goroutine
// and reports back through the line pool's release callback, which feeds the
// outcome to the campaign's ledger.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acme/broadcast-dispatch/internal/config"
	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/ledger"
	"github.com/acme/broadcast-dispatch/internal/linepool"
	"github.com/acme/broadcast-dispatch/internal/observability"
	"github.com/acme/broadcast-dispatch/internal/repository"
	"github.com/acme/broadcast-dispatch/internal/stats"
	"github.com/acme/broadcast-dispatch/internal/telephony"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
	"github.com/acme/broadcast-dispatch/pkg/logger"
)

// Reasons recorded on campaigns and attempts settled by the engine itself.
const (
	ReasonNoDialable     = "no dialable recipients"
	ReasonInvalidNumber  = "invalid phone number"
	ReasonCancelled      = "campaign cancelled"
	ReasonShutdown       = "shutdown"
	reasonLinePrefix     = "line "
	reasonDialFailPrefix = "dial failed: "
)

// Defaults fill campaign settings a submission leaves unset.
type Defaults struct {
	MaxRetries         int
	RetryDelay         time.Duration
	CallTimeout        time.Duration
	MaxConcurrentCalls int
}

// Config tunes the dispatcher.
type Config struct {
	TickInterval    time.Duration
	DefaultRegion   string
	ShutdownTimeout time.Duration
	PersistTimeout  time.Duration
	Defaults        Defaults
}

// ConfigFrom extracts dispatcher settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TickInterval:    cfg.Dispatcher.TickInterval,
		DefaultRegion:   cfg.Dispatcher.DefaultRegion,
		ShutdownTimeout: cfg.Dispatcher.ShutdownTimeout,
		PersistTimeout:  cfg.Dispatcher.PersistTimeout,
		Defaults: Defaults{
			MaxRetries:         cfg.Defaults.MaxRetries,
			RetryDelay:         cfg.Defaults.RetryDelay,
			CallTimeout:        cfg.Defaults.CallTimeout,
			MaxConcurrentCalls: cfg.Defaults.MaxConcurrentCalls,
		},
	}
}

// SlotGuard bounds concurrent calls across engine processes.
type SlotGuard interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// StatusPublisher receives campaign transitions and recipient outcomes.
type StatusPublisher interface {
	PublishCampaign(ctx context.Context, stats domain.CampaignStats) error
	PublishRecipient(ctx context.Context, campaignID uuid.UUID, r domain.Recipient) error
}

// Deps are the collaborators of a Dispatcher. Pool, Provider and Logger are
// required; the rest are optional and skipped when nil.
type Deps struct {
	Pool      *linepool.Pool
	Provider  telephony.Provider
	Logger    *logger.Logger
	Guard     SlotGuard
	Limiter   *rate.Limiter
	Store     repository.CampaignStore
	Rollups   repository.CampaignStatisticsRepository
	Archive   repository.AttemptArchive
	Publisher StatusPublisher
	Clock     func() time.Time
}

type campaignRun struct {
	ledger *ledger.Ledger
	ctx    context.Context
	cancel context.CancelFunc

	// saveMu orders writes to the store; state is read while it is held.
	saveMu sync.Mutex
}

// Dispatcher owns every live campaign and its in-flight attempts.
type Dispatcher struct {
	cfg      Config
	deps     Deps
	log      *logger.Logger
	validate *validator.Validate
	tracer   trace.Tracer

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	wake chan struct{}

	// tickMu serializes scheduling decisions: ticks and explicit starts.
	tickMu sync.Mutex

	mu        sync.Mutex
	campaigns map[uuid.UUID]*campaignRun
	active    map[string]*activeCall
}

// New builds a dispatcher and installs its release callback on the pool.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Pool == nil || deps.Provider == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a line pool and a provider", apperrors.ErrValidation)
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 3 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger,
		validate:  validator.New(),
		tracer:    otel.Tracer("broadcast.dispatcher"),
		ctx:       ctx,
		stop:      stop,
		wake:      make(chan struct{}, 1),
		campaigns: make(map[uuid.UUID]*campaignRun),
		active:    make(map[string]*activeCall),
	}
	deps.Pool.OnRelease(d.onRelease)
	return d, nil
}

func (d *Dispatcher) now() time.Time {
	return d.deps.Clock().UTC()
}

// Run drives the scheduling loop until ctx is done or Shutdown is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		d.Tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Wake requests an immediate tick from Run.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Tick performs one scheduling pass: ready campaigns are started and every
// running campaign is filled, highest priority first, until lines run out.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	if d.ctx.Err() != nil {
		return
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	now := d.now()
	runs := d.ordered()
	span.SetAttributes(attribute.Int("campaign.count", len(runs)))

	for _, run := range runs {
		c := run.ledger.Campaign()
		switch {
		case c.ReadyAt(now):
			if err := d.start(ctx, run, now); err != nil {
				d.log.Error("dispatcher: auto start failed", zap.Error(err), zap.String("campaign_id", c.ID.String()))
				continue
			}
		case c.Status == domain.CampaignStatusInProgress:
		default:
			continue
		}

		if d.tryComplete(ctx, run) {
			continue
		}
		if d.fill(ctx, run, now) {
			break
		}
	}
}

// ordered returns the live runs in dispatch order.
func (d *Dispatcher) ordered() []*campaignRun {
	d.mu.Lock()
	runs := make([]*campaignRun, 0, len(d.campaigns))
	for _, run := range d.campaigns {
		runs = append(runs, run)
	}
	d.mu.Unlock()

	type keyed struct {
		run *campaignRun
		c   domain.Campaign
	}
	items := make([]keyed, 0, len(runs))
	for _, run := range runs {
		c := run.ledger.Campaign()
		if c.Status.IsTerminal() {
			continue
		}
		items = append(items, keyed{run: run, c: c})
	}
	slices.SortFunc(items, func(a, b keyed) int { return domain.CompareDispatchOrder(&a.c, &b.c) })

	out := make([]*campaignRun, len(items))
	for i, it := range items {
		out[i] = it.run
	}
	return out
}

// fill dispatches eligible recipients of one campaign. It reports whether
// the whole pass should stop because shared capacity is exhausted.
func (d *Dispatcher) fill(ctx context.Context, run *campaignRun, now time.Time) bool {
	c := run.ledger.Campaign()
	for r := range run.ledger.Eligible(now) {
		h, err := d.deps.Pool.Acquire(c.ID, c.MaxConcurrentCalls)
		if err != nil {
			if errors.Is(err, linepool.ErrLinesBusy) {
				observability.Throttled.WithLabelValues("lines").Inc()
				return true
			}
			return false
		}
		if d.deps.Limiter != nil && !d.deps.Limiter.Allow() {
			d.deps.Pool.Abandon(h)
			observability.Throttled.WithLabelValues("rate").Inc()
			return true
		}
		guarded, stop := d.acquireGuard(ctx)
		if stop {
			d.deps.Pool.Abandon(h)
			return true
		}

		if err := d.launch(run, c, r, h, guarded, now); err != nil {
			d.deps.Pool.Abandon(h)
			d.releaseGuard(guarded)
			if errors.Is(err, apperrors.ErrConflict) {
				return false
			}
			d.log.Error("dispatcher: launch attempt", zap.Error(err),
				zap.String("campaign_id", c.ID.String()), zap.Int("recipient", r.Index))
		}
	}
	return false
}

func (d *Dispatcher) acquireGuard(ctx context.Context) (guarded, stop bool) {
	if d.deps.Guard == nil {
		return false, false
	}
	ok, err := d.deps.Guard.TryAcquire(ctx)
	if err != nil {
		d.log.Warn("dispatcher: global guard unavailable", zap.Error(err))
		observability.Throttled.WithLabelValues("guard_error").Inc()
		return false, true
	}
	if !ok {
		observability.Throttled.WithLabelValues("global").Inc()
		return false, true
	}
	return true, false
}

func (d *Dispatcher) releaseGuard(guarded bool) {
	if !guarded {
		return
	}
	ctx, cancel := d.persistContext()
	defer cancel()
	if err := d.deps.Guard.Release(ctx); err != nil {
		d.log.Warn("dispatcher: release global guard", zap.Error(err))
	}
}

func (d *Dispatcher) register(l *ledger.Ledger) (*campaignRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.campaigns[l.ID()]; ok {
		return nil, fmt.Errorf("%w: campaign %s already loaded", apperrors.ErrConflict, l.ID())
	}
	ctx, cancel := context.WithCancel(d.ctx)
	run := &campaignRun{ledger: l, ctx: ctx, cancel: cancel}
	d.campaigns[l.ID()] = run
	return run, nil
}

func (d *Dispatcher) lookup(id uuid.UUID) (*campaignRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s", apperrors.ErrNotFound, id)
	}
	return run, nil
}

// start moves a pending campaign into progress, or fails it when nothing in
// it can be dialed. Callers hold tickMu.
func (d *Dispatcher) start(ctx context.Context, run *campaignRun, now time.Time) error {
	c := run.ledger.Campaign()
	if c.Status == domain.CampaignStatusPending && !run.ledger.Dialable() {
		if err := run.ledger.Fail(ReasonNoDialable, now); err != nil {
			return err
		}
		d.log.Warn("dispatcher: campaign failed", zap.String("campaign_id", c.ID.String()), zap.String("reason", ReasonNoDialable))
		d.campaignChanged(ctx, run)
		return nil
	}
	if err := run.ledger.Start(now); err != nil {
		return err
	}
	d.log.Info("dispatcher: campaign started", zap.String("campaign_id", c.ID.String()), zap.String("priority", c.Priority.String()))
	d.campaignChanged(ctx, run)
	return nil
}

// tryComplete completes a running campaign whose recipients are all settled.
func (d *Dispatcher) tryComplete(ctx context.Context, run *campaignRun) bool {
	done, err := run.ledger.TryComplete(d.now())
	if err != nil {
		d.log.Error("dispatcher: complete campaign", zap.Error(err), zap.String("campaign_id", run.ledger.ID().String()))
		return false
	}
	if !done {
		return false
	}
	c := run.ledger.Campaign()
	d.log.Info("dispatcher: campaign completed",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("success", c.SuccessCount),
		zap.Int("failure", c.FailureCount),
		zap.Duration("average_duration", c.AverageDuration))
	run.cancel()
	d.campaignChanged(ctx, run)
	return true
}

// Shutdown stops dispatching, cancels in-flight attempts and waits for their
// runners up to the configured timeout or until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: attempts still running after %s", apperrors.ErrUnavailable, d.cfg.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Campaign returns the current state of a campaign.
func (d *Dispatcher) Campaign(id uuid.UUID) (domain.Campaign, error) {
	run, err := d.lookup(id)
	if err != nil {
		return domain.Campaign{}, err
	}
	return run.ledger.Campaign(), nil
}

// Snapshot returns a campaign together with its recipients.
func (d *Dispatcher) Snapshot(id uuid.UUID) (domain.Snapshot, error) {
	run, err := d.lookup(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return run.ledger.Snapshot(), nil
}

// Stats computes the statistics view of a campaign.
func (d *Dispatcher) Stats(id uuid.UUID) (domain.CampaignStats, error) {
	run, err := d.lookup(id)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	return stats.Compute(run.ledger.Snapshot(), d.now()), nil
}

// List returns known campaigns in dispatch order, optionally filtered by status.
func (d *Dispatcher) List(status domain.CampaignStatus) []domain.Campaign {
	d.mu.Lock()
	out := make([]domain.Campaign, 0, len(d.campaigns))
	for _, run := range d.campaigns {
		c := run.ledger.Campaign()
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	d.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Campaign) int { return domain.CompareDispatchOrder(&a, &b) })
	return out
}

// Lines returns the current state of every dial line.
func (d *Dispatcher) Lines() []domain.DialLine {
	return d.deps.Pool.Lines()
}

// Attempts pages through the archived attempts of a campaign.
func (d *Dispatcher) Attempts(ctx context.Context, id uuid.UUID, limit int, page []byte) ([]domain.CallAttempt, []byte, error) {
	if _, err := d.lookup(id); err != nil {
		return nil, nil, err
	}
	if d.deps.Archive == nil {
		return nil, nil, fmt.Errorf("%w: attempt archive not configured", apperrors.ErrUnavailable)
	}
	return d.deps.Archive.ListByCampaign(ctx, id, limit, page)
}
