package linepool

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/broadcast-dispatch/internal/domain"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

func registered(id string, capacity int) domain.DialLine {
	return domain.DialLine{ID: id, Status: domain.LineStatusRegistered, MaxConcurrentCalls: capacity}
}

func TestAcquireRespectsLineCapacity(t *testing.T) {
	pool, err := New([]domain.DialLine{registered("l1", 1), registered("l2", 1)})
	require.NoError(t, err)

	campaign := uuid.New()
	h1, err := pool.Acquire(campaign, 0)
	require.NoError(t, err)
	h2, err := pool.Acquire(campaign, 0)
	require.NoError(t, err)
	assert.NotEqual(t, h1.LineID, h2.LineID, "least-loaded line is picked")

	_, err = pool.Acquire(campaign, 0)
	require.ErrorIs(t, err, ErrLinesBusy)
	assert.ErrorIs(t, err, apperrors.ErrNoCapacity)

	assert.True(t, pool.Abandon(h1))
	_, err = pool.Acquire(campaign, 0)
	require.NoError(t, err)
}

func TestAcquireRespectsCampaignCeiling(t *testing.T) {
	pool, err := New([]domain.DialLine{registered("l1", 10)})
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()
	for i := 0; i < 2; i++ {
		_, err := pool.Acquire(a, 2)
		require.NoError(t, err)
	}
	_, err = pool.Acquire(a, 2)
	require.ErrorIs(t, err, ErrCampaignLimit)

	_, err = pool.Acquire(b, 2)
	require.NoError(t, err, "ceilings are per campaign")
	assert.Equal(t, 2, pool.InFlight(a))
	assert.Equal(t, 1, pool.InFlight(b))
}

func TestAcquireSkipsUnregisteredLines(t *testing.T) {
	pool, err := New([]domain.DialLine{
		{ID: "down", Status: domain.LineStatusFailed, MaxConcurrentCalls: 5},
		{ID: "new", MaxConcurrentCalls: 5},
	})
	require.NoError(t, err)

	_, err = pool.Acquire(uuid.New(), 0)
	require.ErrorIs(t, err, ErrLinesBusy)

	prev, err := pool.SetStatus("new", domain.LineStatusRegistered)
	require.NoError(t, err)
	assert.Equal(t, domain.LineStatusUnregistered, prev)

	h, err := pool.Acquire(uuid.New(), 0)
	require.NoError(t, err)
	assert.Equal(t, "new", h.LineID)

	_, err = pool.SetStatus("ghost", domain.LineStatusRegistered)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReleaseIsExactlyOnce(t *testing.T) {
	pool, err := New([]domain.DialLine{registered("l1", 1)})
	require.NoError(t, err)

	var calls int
	pool.OnRelease(func(h *Handle, outcome domain.Outcome) {
		calls++
		assert.Equal(t, domain.CallStatusBusy, outcome.Status)
	})

	campaign := uuid.New()
	h, err := pool.Acquire(campaign, 1)
	require.NoError(t, err)

	out := domain.Outcome{AttemptID: "x", Status: domain.CallStatusBusy}
	assert.True(t, pool.Release(h, out))
	assert.False(t, pool.Release(h, out))
	assert.False(t, pool.Abandon(h))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, pool.InFlight(campaign))

	active, capacity := pool.Usage()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, capacity)
}

func TestAddLineRejectsDuplicates(t *testing.T) {
	pool, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, pool.AddLine(domain.DialLine{ID: "l1"}))
	require.ErrorIs(t, pool.AddLine(domain.DialLine{ID: "l1"}), apperrors.ErrConflict)
	require.ErrorIs(t, pool.AddLine(domain.DialLine{}), apperrors.ErrValidation)

	lines := pool.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, domain.DefaultLineCapacity, lines[0].MaxConcurrentCalls)
}

func TestConcurrentAcquireReleaseNeverOvershoots(t *testing.T) {
	lines := []domain.DialLine{registered("l1", 3), registered("l2", 2)}
	pool, err := New(lines)
	require.NoError(t, err)

	capacity := map[string]int{"l1": 3, "l2": 2}
	var (
		mu       sync.Mutex
		overshot bool
	)
	pool.ObserveUsage(func(lineID string, active int) {
		if active > capacity[lineID] {
			mu.Lock()
			overshot = true
			mu.Unlock()
		}
	})

	campaigns := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var wg sync.WaitGroup
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			campaign := campaigns[w%len(campaigns)]
			for i := 0; i < 500; i++ {
				h, err := pool.Acquire(campaign, 2)
				if err != nil {
					continue
				}
				if pool.InFlight(campaign) > 2 {
					mu.Lock()
					overshot = true
					mu.Unlock()
				}
				pool.Release(h, domain.Outcome{Status: domain.CallStatusCompleted})
			}
		}(w)
	}
	wg.Wait()

	assert.False(t, overshot)
	for _, l := range pool.Lines() {
		assert.Zero(t, l.CurrentActiveCalls, l.ID)
		assert.LessOrEqual(t, l.CurrentActiveCalls, l.MaxConcurrentCalls)
	}
	for _, c := range campaigns {
		assert.Zero(t, pool.InFlight(c))
	}
}
