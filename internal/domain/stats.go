package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStats is a read-only rollup computed from one snapshot.
type CampaignStats struct {
	CampaignID         uuid.UUID
	Status             CampaignStatus
	TotalRecipients    int
	SuccessCount       int
	FailureCount       int
	PendingCount       int
	RetryCount         int
	CallingCount       int
	CancelledCount     int
	TotalAttempts      int
	SuccessRate        int
	ProgressPercentage int
	AverageDuration    time.Duration
	ComputedAt         time.Time
}
