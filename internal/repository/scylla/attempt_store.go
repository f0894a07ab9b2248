package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/broadcast-dispatch/internal/domain"
)

// Schema holds the statements that create the attempt archive tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS attempts_by_campaign (
		campaign_id text,
		attempt_id text,
		recipient_index int,
		phone_number text,
		line_id text,
		attempt_number int,
		status text,
		start_time timestamp,
		answer_time timestamp,
		end_time timestamp,
		duration_ms bigint,
		failure_reason text,
		PRIMARY KEY ((campaign_id), attempt_id)
	) WITH CLUSTERING ORDER BY (attempt_id ASC)`,
}

// AttemptStore archives terminal call attempts in Scylla. Attempt ids are
// ULIDs, so clustering by id keeps a campaign's attempts in dial order.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append writes one attempt. Writing the same attempt twice overwrites it.
func (s *AttemptStore) Append(ctx context.Context, attempt domain.CallAttempt) error {
	var durationMs *int64
	if d, ok := attempt.Duration(); ok {
		ms := d.Milliseconds()
		durationMs = &ms
	}

	if err := s.session.Query(`INSERT INTO attempts_by_campaign (campaign_id, attempt_id, recipient_index, phone_number, line_id,
		attempt_number, status, start_time, answer_time, end_time, duration_ms, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CampaignID.String(), attempt.ID, attempt.RecipientIndex, attempt.PhoneNumber, attempt.LineID,
		attempt.AttemptNumber, string(attempt.Status), attempt.StartTime, attempt.AnswerTime, attempt.EndTime,
		durationMs, attempt.FailureReason,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert: %w", err)
	}
	return nil
}

// ListByCampaign pages through a campaign's attempts.
func (s *AttemptStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT attempt_id, recipient_index, phone_number, line_id, attempt_number, status,
		start_time, answer_time, end_time, failure_reason
		FROM attempts_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.CallAttempt, 0, limit)

	var (
		attemptID  string
		index      int
		phone      string
		lineID     string
		number     int
		status     string
		start      time.Time
		answer     *time.Time
		end        *time.Time
		failReason string
	)

	for iter.Scan(&attemptID, &index, &phone, &lineID, &number, &status, &start, &answer, &end, &failReason) {
		attempts = append(attempts, domain.CallAttempt{
			ID:             attemptID,
			CampaignID:     campaignID,
			RecipientIndex: index,
			PhoneNumber:    phone,
			LineID:         lineID,
			AttemptNumber:  number,
			Status:         domain.CallStatus(status),
			StartTime:      start,
			AnswerTime:     copyTime(answer),
			EndTime:        copyTime(end),
			FailureReason:  failReason,
		})
		answer, end = nil, nil
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}
	return attempts, nextState, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := *t
	return &v
}
