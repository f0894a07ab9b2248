package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/repository"
)

const recipientColumns = `campaign_id, idx, phone_number, external_ref, name, status, attempts,
	last_attempt_at, next_attempt_at, last_duration_ms, last_error, active_attempt_id`

// RecipientRepository persists campaign recipients.
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// BulkInsert inserts a batch of recipients using e, which may be a transaction.
func (r *RecipientRepository) BulkInsert(ctx context.Context, e sqlx.ExtContext, campaignID uuid.UUID, recipients []domain.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	query := `INSERT INTO campaign_recipients (` + recipientColumns + `) VALUES (
		:campaign_id, :idx, :phone_number, :external_ref, :name, :status, :attempts,
		:last_attempt_at, :next_attempt_at, :last_duration_ms, :last_error, :active_attempt_id
	) ON CONFLICT (campaign_id, idx) DO NOTHING`

	rows := make([]map[string]any, 0, len(recipients))
	for _, rec := range recipients {
		rows = append(rows, recipientParams(campaignID, rec))
	}
	if _, err := sqlx.NamedExecContext(ctx, e, query, rows); err != nil {
		return fmt.Errorf("campaign recipients: bulk insert: %w", err)
	}
	return nil
}

// Update overwrites one recipient's dispatch state.
func (r *RecipientRepository) Update(ctx context.Context, campaignID uuid.UUID, rec domain.Recipient) error {
	query := `UPDATE campaign_recipients SET
		status = :status,
		attempts = :attempts,
		last_attempt_at = :last_attempt_at,
		next_attempt_at = :next_attempt_at,
		last_duration_ms = :last_duration_ms,
		last_error = :last_error,
		active_attempt_id = :active_attempt_id
	WHERE campaign_id = :campaign_id AND idx = :idx`

	res, err := r.db.NamedExecContext(ctx, query, recipientParams(campaignID, rec))
	if err != nil {
		return fmt.Errorf("campaign recipients: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign recipients: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByCampaign returns every recipient of a campaign in list order.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Recipient, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY idx ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign recipients: list: %w", err)
	}
	defer rows.Close()

	var results []domain.Recipient
	for rows.Next() {
		var rec recipientRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign recipients: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign recipients: rows err: %w", err)
	}
	return results, nil
}

func recipientParams(campaignID uuid.UUID, rec domain.Recipient) map[string]any {
	var duration *int64
	if rec.LastDuration != nil {
		ms := rec.LastDuration.Milliseconds()
		duration = &ms
	}
	return map[string]any{
		"campaign_id":       campaignID,
		"idx":               rec.Index,
		"phone_number":      rec.PhoneNumber,
		"external_ref":      rec.ExternalRef,
		"name":              rec.Name,
		"status":            string(rec.Status),
		"attempts":          rec.Attempts,
		"last_attempt_at":   rec.LastAttemptAt,
		"next_attempt_at":   rec.NextAttemptAt,
		"last_duration_ms":  duration,
		"last_error":        rec.LastError,
		"active_attempt_id": rec.ActiveAttemptID,
	}
}

type recipientRecord struct {
	CampaignID      uuid.UUID     `db:"campaign_id"`
	Index           int           `db:"idx"`
	PhoneNumber     string        `db:"phone_number"`
	ExternalRef     string        `db:"external_ref"`
	Name            string        `db:"name"`
	Status          string        `db:"status"`
	Attempts        int           `db:"attempts"`
	LastAttemptAt   sql.NullTime  `db:"last_attempt_at"`
	NextAttemptAt   sql.NullTime  `db:"next_attempt_at"`
	LastDurationMs  sql.NullInt64 `db:"last_duration_ms"`
	LastError       string        `db:"last_error"`
	ActiveAttemptID string        `db:"active_attempt_id"`
}

func (r recipientRecord) toDomain() domain.Recipient {
	rec := domain.Recipient{
		Index:           r.Index,
		PhoneNumber:     r.PhoneNumber,
		ExternalRef:     r.ExternalRef,
		Name:            r.Name,
		Status:          domain.RecipientStatus(r.Status),
		Attempts:        r.Attempts,
		LastAttemptAt:   nullTime(r.LastAttemptAt),
		NextAttemptAt:   nullTime(r.NextAttemptAt),
		LastError:       r.LastError,
		ActiveAttemptID: r.ActiveAttemptID,
	}
	if r.LastDurationMs.Valid {
		d := time.Duration(r.LastDurationMs.Int64) * time.Millisecond
		rec.LastDuration = &d
	}
	return rec
}
