package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/broadcast-dispatch/internal/domain"
)

// Store implements repository.CampaignStore over the campaign and recipient
// tables.
type Store struct {
	db         *sqlx.DB
	campaigns  *CampaignRepository
	recipients *RecipientRepository
}

// NewStore builds a store sharing one database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:         db,
		campaigns:  NewCampaignRepository(db),
		recipients: NewRecipientRepository(db),
	}
}

// Create writes a campaign and all of its recipients in one transaction.
func (s *Store) Create(ctx context.Context, snapshot domain.Snapshot) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.campaigns.Insert(ctx, tx, snapshot.Campaign); err != nil {
			return err
		}
		return s.recipients.BulkInsert(ctx, tx, snapshot.Campaign.ID, snapshot.Recipients)
	})
}

// SaveCampaign persists campaign status and counters.
func (s *Store) SaveCampaign(ctx context.Context, campaign domain.Campaign) error {
	return s.campaigns.Update(ctx, campaign)
}

// SaveRecipient persists one recipient.
func (s *Store) SaveRecipient(ctx context.Context, campaignID uuid.UUID, recipient domain.Recipient) error {
	return s.recipients.Update(ctx, campaignID, recipient)
}

// LoadUnfinished returns snapshots of every pending or running campaign.
func (s *Store) LoadUnfinished(ctx context.Context) ([]domain.Snapshot, error) {
	campaigns, err := s.campaigns.ListUnfinished(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Snapshot, 0, len(campaigns))
	for _, c := range campaigns {
		recipients, err := s.recipients.ListByCampaign(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("store: load recipients of %s: %w", c.ID, err)
		}
		out = append(out, domain.Snapshot{Campaign: c, Recipients: recipients})
	}
	return out, nil
}
