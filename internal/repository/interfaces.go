package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/broadcast-dispatch/internal/domain"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignStore persists campaigns and recipients so that a restarted engine
// can resume unfinished work.
type CampaignStore interface {
	Create(ctx context.Context, snapshot domain.Snapshot) error
	SaveCampaign(ctx context.Context, campaign domain.Campaign) error
	SaveRecipient(ctx context.Context, campaignID uuid.UUID, recipient domain.Recipient) error
	LoadUnfinished(ctx context.Context) ([]domain.Snapshot, error)
}

// CampaignStatisticsRepository keeps the latest rollup per campaign.
type CampaignStatisticsRepository interface {
	Upsert(ctx context.Context, stats domain.CampaignStats) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
}

// AttemptArchive stores terminal call attempts.
type AttemptArchive interface {
	Append(ctx context.Context, attempt domain.CallAttempt) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error)
}
