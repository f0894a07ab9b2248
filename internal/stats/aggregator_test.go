package stats

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/broadcast-dispatch/internal/domain"
)

func ptr(d time.Duration) *time.Duration { return &d }

func TestCompute(t *testing.T) {
	now := time.Now()
	id := uuid.New()

	tests := []struct {
		name     string
		snapshot domain.Snapshot
		want     domain.CampaignStats
	}{
		{
			name: "running campaign",
			snapshot: domain.Snapshot{
				Campaign: domain.Campaign{ID: id, Status: domain.CampaignStatusInProgress, TotalRecipients: 6, SuccessCount: 2, FailureCount: 1},
				Recipients: []domain.Recipient{
					{Status: domain.RecipientStatusSuccess, Attempts: 1, LastDuration: ptr(10 * time.Second)},
					{Status: domain.RecipientStatusSuccess, Attempts: 2, LastDuration: ptr(20 * time.Second)},
					{Status: domain.RecipientStatusBusy, Attempts: 2},
					{Status: domain.RecipientStatusRetry, Attempts: 1},
					{Status: domain.RecipientStatusCalling},
					{Status: domain.RecipientStatusPending},
				},
			},
			want: domain.CampaignStats{
				CampaignID: id, Status: domain.CampaignStatusInProgress, TotalRecipients: 6,
				SuccessCount: 2, FailureCount: 1, PendingCount: 1, RetryCount: 1, CallingCount: 1,
				TotalAttempts: 6, SuccessRate: 67, ProgressPercentage: 50, AverageDuration: 15 * time.Second,
				ComputedAt: now,
			},
		},
		{
			name: "cancelled campaign",
			snapshot: domain.Snapshot{
				Campaign: domain.Campaign{ID: id, Status: domain.CampaignStatusCancelled, TotalRecipients: 3, SuccessCount: 1},
				Recipients: []domain.Recipient{
					{Status: domain.RecipientStatusSuccess, Attempts: 1},
					{Status: domain.RecipientStatusPending},
					{Status: domain.RecipientStatusRetry, Attempts: 1},
				},
			},
			want: domain.CampaignStats{
				CampaignID: id, Status: domain.CampaignStatusCancelled, TotalRecipients: 3,
				SuccessCount: 1, CancelledCount: 2, TotalAttempts: 2, SuccessRate: 100, ProgressPercentage: 33,
				ComputedAt: now,
			},
		},
		{
			name: "nothing settled",
			snapshot: domain.Snapshot{
				Campaign:   domain.Campaign{ID: id, Status: domain.CampaignStatusPending, TotalRecipients: 1},
				Recipients: []domain.Recipient{{Status: domain.RecipientStatusPending}},
			},
			want: domain.CampaignStats{
				CampaignID: id, Status: domain.CampaignStatusPending, TotalRecipients: 1, PendingCount: 1, ComputedAt: now,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.snapshot, now))
		})
	}
}

func TestComputeAverageMatchesCompletion(t *testing.T) {
	now := time.Now()
	c := domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusInProgress, TotalRecipients: 2, SuccessCount: 2}
	recipients := []domain.Recipient{
		{Index: 0, Status: domain.RecipientStatusSuccess, Attempts: 1, LastDuration: ptr(0)},
		{Index: 1, Status: domain.RecipientStatusSuccess, Attempts: 1, LastDuration: ptr(8 * time.Second)},
	}

	running := Compute(domain.Snapshot{Campaign: c, Recipients: recipients}, now)
	assert.Equal(t, 4*time.Second, running.AverageDuration)

	require.NoError(t, c.Complete(now, recipients))
	done := Compute(domain.Snapshot{Campaign: c, Recipients: recipients}, now)
	assert.Equal(t, running.AverageDuration, c.AverageDuration)
	assert.Equal(t, running.AverageDuration, done.AverageDuration)
}
