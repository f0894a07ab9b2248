package domain

import (
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

func newCampaign(total int) *Campaign {
	return &Campaign{
		ID:                 uuid.New(),
		Status:             CampaignStatusPending,
		TotalRecipients:    total,
		MaxConcurrentCalls: 2,
		CreatedAt:          time.Now(),
	}
}

func TestCampaignTransitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		prepare func(c *Campaign)
		apply   func(c *Campaign) error
		want    CampaignStatus
		wantErr bool
	}{
		{
			name:  "start from pending",
			apply: func(c *Campaign) error { return c.Start(now) },
			want:  CampaignStatusInProgress,
		},
		{
			name:    "start twice",
			prepare: func(c *Campaign) { _ = c.Start(now) },
			apply:   func(c *Campaign) error { return c.Start(now) },
			wantErr: true,
		},
		{
			name:    "complete requires in progress",
			apply:   func(c *Campaign) error { return c.Complete(now, nil) },
			wantErr: true,
		},
		{
			name:  "cancel pending",
			apply: func(c *Campaign) error { return c.Cancel("ops", "drill", now) },
			want:  CampaignStatusCancelled,
		},
		{
			name:    "cancel completed",
			prepare: func(c *Campaign) { _ = c.Start(now); _ = c.Complete(now, nil) },
			apply:   func(c *Campaign) error { return c.Cancel("ops", "late", now) },
			wantErr: true,
		},
		{
			name:    "fail running",
			prepare: func(c *Campaign) { _ = c.Start(now) },
			apply:   func(c *Campaign) error { return c.Fail("no lines", now) },
			want:    CampaignStatusFailed,
		},
		{
			name:    "restart cancelled",
			prepare: func(c *Campaign) { _ = c.Cancel("ops", "x", now) },
			apply:   func(c *Campaign) error { return c.Start(now) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCampaign(3)
			if tt.prepare != nil {
				tt.prepare(c)
			}
			before := c.Status
			err := tt.apply(c)
			if tt.wantErr {
				require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
				assert.Equal(t, before, c.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Status)
		})
	}
}

func TestCampaignCompleteRequiresTerminalRecipients(t *testing.T) {
	now := time.Now()
	c := newCampaign(2)
	require.NoError(t, c.Start(now))

	d1, d2 := 10*time.Second, 20*time.Second
	recipients := []Recipient{
		{Index: 0, Status: RecipientStatusSuccess, LastDuration: &d1},
		{Index: 1, Status: RecipientStatusRetry},
	}
	require.ErrorIs(t, c.Complete(now, recipients), apperrors.ErrInvalidTransition)
	assert.Equal(t, CampaignStatusInProgress, c.Status)

	recipients[1] = Recipient{Index: 1, Status: RecipientStatusSuccess, LastDuration: &d2}
	require.NoError(t, c.Complete(now, recipients))
	assert.Equal(t, 15*time.Second, c.AverageDuration)
	require.NotNil(t, c.CompletedAt)
}

func TestCampaignCancelStampsAudit(t *testing.T) {
	now := time.Now()
	c := newCampaign(1)
	require.NoError(t, c.Cancel("alice", "wrong message", now))
	assert.Equal(t, "alice", c.CancelledBy)
	assert.Equal(t, "wrong message", c.CancelReason)
	require.NotNil(t, c.CompletedAt)
}

func TestCampaignTallyBound(t *testing.T) {
	now := time.Now()
	c := newCampaign(2)
	require.NoError(t, c.Tally(1, 0, now))
	require.NoError(t, c.Tally(0, 1, now))
	require.ErrorIs(t, c.Tally(1, 0, now), apperrors.ErrInvalidTransition)
	assert.Equal(t, 1, c.SuccessCount)
	assert.Equal(t, 1, c.FailureCount)
}

func TestCampaignReadyAt(t *testing.T) {
	now := time.Now()
	c := newCampaign(1)
	assert.True(t, c.ReadyAt(now))

	later := now.Add(time.Hour)
	c.ScheduledAt = &later
	assert.False(t, c.ReadyAt(now))
	assert.True(t, c.ReadyAt(later))

	require.NoError(t, c.Start(now))
	assert.False(t, c.ReadyAt(later))
}

func TestCompareDispatchOrder(t *testing.T) {
	base := time.Now()
	low := &Campaign{Title: "low", Priority: PriorityLow, CreatedAt: base}
	normalOld := &Campaign{Title: "normal-old", Priority: PriorityNormal, CreatedAt: base}
	normalNew := &Campaign{Title: "normal-new", Priority: PriorityNormal, CreatedAt: base.Add(time.Minute)}
	urgent := &Campaign{Title: "urgent", Priority: PriorityUrgent, CreatedAt: base.Add(time.Hour)}
	high := &Campaign{Title: "high", Priority: PriorityHigh, CreatedAt: base.Add(2 * time.Hour)}

	list := []*Campaign{low, normalNew, high, normalOld, urgent}
	slices.SortFunc(list, CompareDispatchOrder)

	var titles []string
	for _, c := range list {
		titles = append(titles, c.Title)
	}
	assert.Equal(t, []string{"urgent", "high", "normal-old", "normal-new", "low"}, titles)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("URGENT")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("asap")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
