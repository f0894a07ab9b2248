package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Upsert stores the latest rollup. Older rollups never overwrite newer ones.
func (r *CampaignStatisticsRepository) Upsert(ctx context.Context, stats domain.CampaignStats) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO campaign_statistics (
		campaign_id, status, total_recipients, success_count, failure_count, pending_count,
		retry_count, calling_count, cancelled_count, total_attempts, success_rate,
		progress_percentage, average_duration_ms, computed_at
	) VALUES (
		:campaign_id, :status, :total_recipients, :success_count, :failure_count, :pending_count,
		:retry_count, :calling_count, :cancelled_count, :total_attempts, :success_rate,
		:progress_percentage, :average_duration_ms, :computed_at
	) ON CONFLICT (campaign_id) DO UPDATE SET
		status = EXCLUDED.status,
		total_recipients = EXCLUDED.total_recipients,
		success_count = EXCLUDED.success_count,
		failure_count = EXCLUDED.failure_count,
		pending_count = EXCLUDED.pending_count,
		retry_count = EXCLUDED.retry_count,
		calling_count = EXCLUDED.calling_count,
		cancelled_count = EXCLUDED.cancelled_count,
		total_attempts = EXCLUDED.total_attempts,
		success_rate = EXCLUDED.success_rate,
		progress_percentage = EXCLUDED.progress_percentage,
		average_duration_ms = EXCLUDED.average_duration_ms,
		computed_at = EXCLUDED.computed_at
	WHERE campaign_statistics.computed_at <= EXCLUDED.computed_at`, statsRecord{
		CampaignID:         stats.CampaignID,
		Status:             string(stats.Status),
		TotalRecipients:    stats.TotalRecipients,
		SuccessCount:       stats.SuccessCount,
		FailureCount:       stats.FailureCount,
		PendingCount:       stats.PendingCount,
		RetryCount:         stats.RetryCount,
		CallingCount:       stats.CallingCount,
		CancelledCount:     stats.CancelledCount,
		TotalAttempts:      stats.TotalAttempts,
		SuccessRate:        stats.SuccessRate,
		ProgressPercentage: stats.ProgressPercentage,
		AverageDurationMs:  stats.AverageDuration.Milliseconds(),
		ComputedAt:         stats.ComputedAt,
	})
	if err != nil {
		return fmt.Errorf("campaign stats: upsert: %w", err)
	}
	return nil
}

// Get retrieves the stored rollup.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT campaign_id, status, total_recipients, success_count, failure_count,
		pending_count, retry_count, calling_count, cancelled_count, total_attempts, success_rate,
		progress_percentage, average_duration_ms, computed_at
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var rec statsRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	stats := rec.toDomain()
	return &stats, nil
}

type statsRecord struct {
	CampaignID         uuid.UUID `db:"campaign_id"`
	Status             string    `db:"status"`
	TotalRecipients    int       `db:"total_recipients"`
	SuccessCount       int       `db:"success_count"`
	FailureCount       int       `db:"failure_count"`
	PendingCount       int       `db:"pending_count"`
	RetryCount         int       `db:"retry_count"`
	CallingCount       int       `db:"calling_count"`
	CancelledCount     int       `db:"cancelled_count"`
	TotalAttempts      int       `db:"total_attempts"`
	SuccessRate        int       `db:"success_rate"`
	ProgressPercentage int       `db:"progress_percentage"`
	AverageDurationMs  int64     `db:"average_duration_ms"`
	ComputedAt         time.Time `db:"computed_at"`
}

func (r statsRecord) toDomain() domain.CampaignStats {
	return domain.CampaignStats{
		CampaignID:         r.CampaignID,
		Status:             domain.CampaignStatus(r.Status),
		TotalRecipients:    r.TotalRecipients,
		SuccessCount:       r.SuccessCount,
		FailureCount:       r.FailureCount,
		PendingCount:       r.PendingCount,
		RetryCount:         r.RetryCount,
		CallingCount:       r.CallingCount,
		CancelledCount:     r.CancelledCount,
		TotalAttempts:      r.TotalAttempts,
		SuccessRate:        r.SuccessRate,
		ProgressPercentage: r.ProgressPercentage,
		AverageDuration:    time.Duration(r.AverageDurationMs) * time.Millisecond,
		ComputedAt:         r.ComputedAt,
	}
}
