package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/observability"
	"github.com/acme/broadcast-dispatch/internal/stats"
)

// Persistence and publication are best effort: the in-memory ledger stays the
// source of truth while the process lives, and failures are only logged.

func (d *Dispatcher) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.cfg.PersistTimeout)
}

func (d *Dispatcher) persistRecipient(run *campaignRun, index int) {
	if d.deps.Store == nil {
		return
	}
	run.saveMu.Lock()
	defer run.saveMu.Unlock()

	r, err := run.ledger.Recipient(index)
	if err != nil {
		d.log.Warn("dispatcher: persist recipient", zap.Error(err), zap.String("campaign_id", run.ledger.ID().String()))
		return
	}
	ctx, cancel := d.persistContext()
	defer cancel()
	if err := d.deps.Store.SaveRecipient(ctx, run.ledger.ID(), r); err != nil {
		d.log.Warn("dispatcher: persist recipient", zap.Error(err),
			zap.String("campaign_id", run.ledger.ID().String()), zap.Int("recipient", r.Index))
	}
}

func (d *Dispatcher) persistCampaign(run *campaignRun) {
	if d.deps.Store == nil {
		return
	}
	run.saveMu.Lock()
	defer run.saveMu.Unlock()

	ctx, cancel := d.persistContext()
	defer cancel()
	if err := d.deps.Store.SaveCampaign(ctx, run.ledger.Campaign()); err != nil {
		d.log.Warn("dispatcher: persist campaign", zap.Error(err), zap.String("campaign_id", run.ledger.ID().String()))
	}
}

func (d *Dispatcher) publishRecipient(run *campaignRun, r domain.Recipient) {
	if d.deps.Publisher == nil {
		return
	}
	ctx, cancel := d.persistContext()
	defer cancel()
	if err := d.deps.Publisher.PublishRecipient(ctx, run.ledger.ID(), r); err != nil {
		d.log.Warn("dispatcher: publish recipient", zap.Error(err), zap.String("campaign_id", run.ledger.ID().String()))
	}
}

func (d *Dispatcher) upsertRollup(ctx context.Context, run *campaignRun) domain.CampaignStats {
	rollup := stats.Compute(run.ledger.Snapshot(), d.now())
	if d.deps.Rollups != nil {
		if err := d.deps.Rollups.Upsert(ctx, rollup); err != nil {
			d.log.Warn("dispatcher: upsert statistics", zap.Error(err), zap.String("campaign_id", rollup.CampaignID.String()))
		}
	}
	return rollup
}

// campaignChanged records a campaign transition everywhere it is observed.
func (d *Dispatcher) campaignChanged(ctx context.Context, run *campaignRun) {
	pctx, cancel := d.persistContext()
	defer cancel()

	d.persistCampaign(run)
	rollup := d.upsertRollup(pctx, run)
	observability.Campaigns.WithLabelValues(string(rollup.Status)).Inc()

	if d.deps.Publisher == nil {
		return
	}
	if err := d.deps.Publisher.PublishCampaign(pctx, rollup); err != nil {
		d.log.WithContext(ctx).Warn("dispatcher: publish campaign", zap.Error(err), zap.String("campaign_id", rollup.CampaignID.String()))
	}
}
