package dispatcher

import (
	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/observability"
)

// HandleLineStatus applies a registration change reported by the signaling
// side. A line leaving REGISTERED takes no new calls, and every attempt in
// flight on it fails. Campaigns are not failed.
func (d *Dispatcher) HandleLineStatus(lineID string, status domain.LineStatus) error {
	prev, err := d.deps.Pool.SetStatus(lineID, status)
	if err != nil {
		return err
	}
	if prev != status {
		d.log.Info("dispatcher: line status changed",
			zap.String("line_id", lineID), zap.String("from", string(prev)), zap.String("to", string(status)))
	}
	if status == domain.LineStatusRegistered {
		d.Wake()
		return nil
	}

	now := d.now()
	reason := reasonLinePrefix + string(status)
	var failed int
	for _, call := range d.activeWhere(func(call *activeCall) bool { return call.handle.LineID == lineID }) {
		if call.finish(func(a *domain.CallAttempt) bool { return a.ForceFail(reason, now) }) {
			failed++
		}
	}
	if failed > 0 {
		d.log.Warn("dispatcher: failed attempts on lost line", zap.String("line_id", lineID), zap.Int("attempts", failed))
	}
	return nil
}

// SuspendLine takes a line out of rotation until it registers again. It is
// installed as the circuit breaker's trip hook.
func (d *Dispatcher) SuspendLine(lineID string) {
	if err := d.HandleLineStatus(lineID, domain.LineStatusSuspended); err != nil {
		d.log.Warn("dispatcher: suspend line", zap.Error(err), zap.String("line_id", lineID))
	}
}

// ObserveLineUsage exports line usage to the metrics registry.
func ObserveLineUsage(lineID string, active int) {
	observability.LineActive.WithLabelValues(lineID).Set(float64(active))
}
