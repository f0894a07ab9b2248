// Package stats computes campaign rollups from ledger snapshots.
package stats

import (
	"math"
	"time"

	"github.com/acme/broadcast-dispatch/internal/domain"
)

// Compute derives progress, success rate and average duration from one
// consistent snapshot. Non-terminal recipients of a cancelled campaign are
// reported as cancelled.
func Compute(s domain.Snapshot, now time.Time) domain.CampaignStats {
	c := s.Campaign
	out := domain.CampaignStats{
		CampaignID:      c.ID,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		SuccessCount:    c.SuccessCount,
		FailureCount:    c.FailureCount,
		ComputedAt:      now,
	}

	for _, r := range s.Recipients {
		out.TotalAttempts += r.Attempts
		if r.Status.IsTerminal() {
			continue
		}
		if c.Status == domain.CampaignStatusCancelled {
			out.CancelledCount++
			continue
		}
		switch r.Status {
		case domain.RecipientStatusPending:
			out.PendingCount++
		case domain.RecipientStatusRetry:
			out.RetryCount++
		case domain.RecipientStatusCalling:
			out.CallingCount++
		}
	}

	if c.Status == domain.CampaignStatusCompleted {
		out.AverageDuration = c.AverageDuration
	} else {
		out.AverageDuration = domain.AverageDuration(s.Recipients)
	}

	settled := c.SuccessCount + c.FailureCount
	out.ProgressPercentage = percent(settled, c.TotalRecipients)
	out.SuccessRate = percent(c.SuccessCount, settled)
	return out
}

func percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(whole) * 100))
}
