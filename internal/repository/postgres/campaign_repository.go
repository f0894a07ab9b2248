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

const campaignColumns = `id, title, message, audio_ref, priority, status,
	max_retries, retry_delay_ms, call_timeout_ms, max_concurrent_calls, scheduled_at,
	total_recipients, success_count, failure_count, average_duration_ms,
	created_by, cancelled_by, cancel_reason, failure_reason,
	created_at, updated_at, started_at, completed_at`

// CampaignRepository stores campaign rows.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Insert writes a new campaign using e, which may be a transaction.
func (r *CampaignRepository) Insert(ctx context.Context, e sqlx.ExtContext, campaign domain.Campaign) error {
	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :title, :message, :audio_ref, :priority, :status,
		:max_retries, :retry_delay_ms, :call_timeout_ms, :max_concurrent_calls, :scheduled_at,
		:total_recipients, :success_count, :failure_count, :average_duration_ms,
		:created_by, :cancelled_by, :cancel_reason, :failure_reason,
		:created_at, :updated_at, :started_at, :completed_at
	)`
	if _, err := sqlx.NamedExecContext(ctx, e, q, campaignParams(campaign)); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Update overwrites the mutable state of a campaign.
func (r *CampaignRepository) Update(ctx context.Context, campaign domain.Campaign) error {
	q := `UPDATE campaigns SET
		status = :status,
		total_recipients = :total_recipients,
		success_count = :success_count,
		failure_count = :failure_count,
		average_duration_ms = :average_duration_ms,
		cancelled_by = :cancelled_by,
		cancel_reason = :cancel_reason,
		failure_reason = :failure_reason,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign))
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	campaign := record.toDomain()
	return &campaign, nil
}

// ListUnfinished returns campaigns that are pending or in progress, oldest first.
func (r *CampaignRepository) ListUnfinished(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE status IN ($1, $2) ORDER BY created_at ASC`,
		domain.CampaignStatusPending, domain.CampaignStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list unfinished: %w", err)
	}
	defer rows.Close()

	var results []domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		results = append(results, record.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func campaignParams(c domain.Campaign) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"title":                c.Title,
		"message":              c.Message,
		"audio_ref":            c.AudioRef,
		"priority":             int(c.Priority),
		"status":               string(c.Status),
		"max_retries":          c.RetryPolicy.MaxRetries,
		"retry_delay_ms":       c.RetryPolicy.RetryDelay.Milliseconds(),
		"call_timeout_ms":      c.CallTimeout.Milliseconds(),
		"max_concurrent_calls": c.MaxConcurrentCalls,
		"scheduled_at":         c.ScheduledAt,
		"total_recipients":     c.TotalRecipients,
		"success_count":        c.SuccessCount,
		"failure_count":        c.FailureCount,
		"average_duration_ms":  c.AverageDuration.Milliseconds(),
		"created_by":           c.CreatedBy,
		"cancelled_by":         c.CancelledBy,
		"cancel_reason":        c.CancelReason,
		"failure_reason":       c.FailureReason,
		"created_at":           c.CreatedAt,
		"updated_at":           c.UpdatedAt,
		"started_at":           c.StartedAt,
		"completed_at":         c.CompletedAt,
	}
}

type campaignRecord struct {
	ID                 uuid.UUID    `db:"id"`
	Title              string       `db:"title"`
	Message            string       `db:"message"`
	AudioRef           string       `db:"audio_ref"`
	Priority           int          `db:"priority"`
	Status             string       `db:"status"`
	MaxRetries         int          `db:"max_retries"`
	RetryDelayMs       int64        `db:"retry_delay_ms"`
	CallTimeoutMs      int64        `db:"call_timeout_ms"`
	MaxConcurrentCalls int          `db:"max_concurrent_calls"`
	ScheduledAt        sql.NullTime `db:"scheduled_at"`
	TotalRecipients    int          `db:"total_recipients"`
	SuccessCount       int          `db:"success_count"`
	FailureCount       int          `db:"failure_count"`
	AverageDurationMs  int64        `db:"average_duration_ms"`
	CreatedBy          string       `db:"created_by"`
	CancelledBy        string       `db:"cancelled_by"`
	CancelReason       string       `db:"cancel_reason"`
	FailureReason      string       `db:"failure_reason"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:       r.ID,
		Title:    r.Title,
		Message:  r.Message,
		AudioRef: r.AudioRef,
		Priority: domain.Priority(r.Priority),
		Status:   domain.CampaignStatus(r.Status),
		RetryPolicy: domain.RetryPolicy{
			MaxRetries: r.MaxRetries,
			RetryDelay: time.Duration(r.RetryDelayMs) * time.Millisecond,
		},
		CallTimeout:        time.Duration(r.CallTimeoutMs) * time.Millisecond,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		ScheduledAt:        nullTime(r.ScheduledAt),
		TotalRecipients:    r.TotalRecipients,
		SuccessCount:       r.SuccessCount,
		FailureCount:       r.FailureCount,
		AverageDuration:    time.Duration(r.AverageDurationMs) * time.Millisecond,
		CreatedBy:          r.CreatedBy,
		CancelledBy:        r.CancelledBy,
		CancelReason:       r.CancelReason,
		FailureReason:      r.FailureReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		StartedAt:          nullTime(r.StartedAt),
		CompletedAt:        nullTime(r.CompletedAt),
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
