package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/ledger"
)

// Restore loads unfinished campaigns from the store. Recipients left calling
// by a previous process are settled as interrupted attempts first. It
// returns the number of campaigns loaded.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	if d.deps.Store == nil {
		return 0, nil
	}
	ctx, span := d.tracer.Start(ctx, "dispatcher.restore")
	defer span.End()

	snapshots, err := d.deps.Store.LoadUnfinished(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("dispatcher: load unfinished campaigns: %w", err)
	}

	now := d.now()
	var loaded int
	for _, snap := range snapshots {
		l := ledger.Restore(snap)
		recovered, err := l.RecoverInterrupted(now)
		if err != nil {
			d.log.Error("dispatcher: recover campaign", zap.Error(err), zap.String("campaign_id", snap.Campaign.ID.String()))
			continue
		}
		run, err := d.register(l)
		if err != nil {
			d.log.Warn("dispatcher: skip restored campaign", zap.Error(err))
			continue
		}
		loaded++

		if recovered > 0 {
			for _, r := range l.Snapshot().Recipients {
				if r.LastError == ledger.ReasonInterrupted {
					d.persistRecipient(run, r.Index)
				}
			}
			d.persistCampaign(run)
		}
		d.log.Info("dispatcher: campaign restored",
			zap.String("campaign_id", snap.Campaign.ID.String()),
			zap.String("status", string(snap.Campaign.Status)),
			zap.Int("interrupted", recovered))
	}
	d.Wake()
	return loaded, nil
}
