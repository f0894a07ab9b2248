package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/ledger"
	"github.com/acme/broadcast-dispatch/internal/linepool"
	"github.com/acme/broadcast-dispatch/internal/telephony"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

const (
	waitFor = 3 * time.Second
	poll    = 5 * time.Millisecond
)

type step string

const (
	stepComplete step = "complete"
	stepFail     step = "fail"
	stepBusy     step = "busy"
	stepNoAnswer step = "no_answer"
	stepRing     step = "ring"
	stepHang     step = "hang"
	stepLate     step = "late"
)

// scriptedProvider plays a fixed sequence of outcomes per phone number.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  map[string][]step
	fallback step
	calls    map[string]int
	order    []string
}

func newScripted(fallback step, scripts map[string][]step) *scriptedProvider {
	return &scriptedProvider{scripts: scripts, fallback: fallback, calls: make(map[string]int)}
}

func (p *scriptedProvider) Dial(_ context.Context, req telephony.DialRequest, sink telephony.EventSink) error {
	p.mu.Lock()
	n := p.calls[req.PhoneNumber]
	p.calls[req.PhoneNumber]++
	p.order = append(p.order, req.PhoneNumber)
	s := p.fallback
	if steps := p.scripts[req.PhoneNumber]; n < len(steps) {
		s = steps[n]
	}
	p.mu.Unlock()

	go play(req.AttemptID, s, sink)
	return nil
}

func (p *scriptedProvider) dialed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func play(id string, s step, sink telephony.EventSink) {
	emit := func(status domain.CallStatus) {
		_ = sink.HandleCallEvent(telephony.Event{AttemptID: id, Status: status, OccurredAt: time.Now()})
	}
	switch s {
	case stepComplete:
		emit(domain.CallStatusRinging)
		emit(domain.CallStatusAnswered)
		time.Sleep(time.Millisecond)
		emit(domain.CallStatusCompleted)
	case stepFail:
		emit(domain.CallStatusRinging)
		emit(domain.CallStatusFailed)
	case stepBusy:
		emit(domain.CallStatusBusy)
	case stepNoAnswer:
		emit(domain.CallStatusRinging)
		emit(domain.CallStatusNoAnswer)
	case stepRing:
		emit(domain.CallStatusRinging)
	case stepLate:
		emit(domain.CallStatusAnswered)
		time.Sleep(40 * time.Millisecond)
		emit(domain.CallStatusCompleted)
	}
}

type memArchive struct {
	mu       sync.Mutex
	attempts []domain.CallAttempt
}

func (a *memArchive) Append(_ context.Context, attempt domain.CallAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, attempt)
	return nil
}

func (a *memArchive) ListByCampaign(_ context.Context, id uuid.UUID, _ int, _ []byte) ([]domain.CallAttempt, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.CallAttempt
	for _, at := range a.attempts {
		if at.CampaignID == id {
			out = append(out, at)
		}
	}
	return out, nil, nil
}

type memStore struct {
	mu         sync.Mutex
	unfinished []domain.Snapshot
	saved      map[uuid.UUID]domain.Campaign

	// delay, when set, stalls a campaign write before it lands.
	delay func(domain.Campaign) time.Duration
}

func (s *memStore) Create(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[snap.Campaign.ID] = snap.Campaign
	return nil
}

func (s *memStore) SaveCampaign(_ context.Context, c domain.Campaign) error {
	if s.delay != nil {
		time.Sleep(s.delay(c))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[c.ID] = c
	return nil
}

func (s *memStore) SaveRecipient(context.Context, uuid.UUID, domain.Recipient) error { return nil }

func (s *memStore) LoadUnfinished(context.Context) ([]domain.Snapshot, error) {
	return s.unfinished, nil
}

type harness struct {
	d        *Dispatcher
	pool     *linepool.Pool
	provider *scriptedProvider
	archive  *memArchive
}

func newHarness(t *testing.T, provider *scriptedProvider, store *memStore, lines ...domain.DialLine) *harness {
	t.Helper()
	if len(lines) == 0 {
		lines = []domain.DialLine{{ID: "L1", Status: domain.LineStatusRegistered, MaxConcurrentCalls: 5}}
	}
	pool, err := linepool.New(lines)
	require.NoError(t, err)

	archive := &memArchive{}
	deps := Deps{Pool: pool, Provider: provider, Archive: archive}
	if store != nil {
		deps.Store = store
	}
	d, err := New(Config{
		TickInterval:    poll,
		DefaultRegion:   "US",
		ShutdownTimeout: time.Second,
		Defaults:        Defaults{MaxRetries: 1, CallTimeout: time.Second, MaxConcurrentCalls: 2},
	}, deps)
	require.NoError(t, err)
	return &harness{d: d, pool: pool, provider: provider, archive: archive}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = h.d.Shutdown(context.Background())
	})
}

func (h *harness) status(t *testing.T, id uuid.UUID) domain.CampaignStatus {
	t.Helper()
	c, err := h.d.Campaign(id)
	if err != nil {
		t.Errorf("campaign %s: %v", id, err)
		return ""
	}
	return c.Status
}

func ptr[T any](v T) *T { return &v }

func request(phones ...string) SubmitRequest {
	rs := make([]RecipientInput, len(phones))
	for i, p := range phones {
		rs[i] = RecipientInput{PhoneNumber: p}
	}
	return SubmitRequest{
		Title:      "evacuation drill",
		Message:    "please proceed to the assembly point",
		CreatedBy:  "ops",
		RetryDelay: ptr(time.Duration(0)),
		Recipients: rs,
	}
}

const (
	phoneA = "+16502530001"
	phoneB = "+16502530002"
	phoneC = "+16502530003"
	phoneD = "+16502530004"
	phoneE = "+16502530005"
)

func TestRetriesUntilEveryRecipientSettles(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, map[string][]step{
		phoneA: {stepComplete},
		phoneB: {stepFail, stepFail},
		phoneC: {stepBusy, stepComplete},
	}), nil)

	req := request(phoneA, phoneB, phoneC)
	req.MaxRetries = ptr(1)
	req.MaxConcurrentCalls = ptr(2)
	c, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	h.run(t)

	require.Eventually(t, func() bool { return h.status(t, c.ID) == domain.CampaignStatusCompleted }, waitFor, poll)

	snap, err := h.d.Snapshot(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Campaign.SuccessCount)
	assert.Equal(t, 1, snap.Campaign.FailureCount)

	byPhone := map[string]domain.Recipient{}
	for _, r := range snap.Recipients {
		byPhone[r.PhoneNumber] = r
		assert.True(t, r.Status.IsTerminal())
	}
	assert.Equal(t, 1, byPhone[phoneA].Attempts)
	assert.Equal(t, 2, byPhone[phoneB].Attempts)
	assert.Equal(t, 2, byPhone[phoneC].Attempts)
	assert.Equal(t, domain.RecipientStatusFailed, byPhone[phoneB].Status)
	assert.Equal(t, domain.RecipientStatusSuccess, byPhone[phoneC].Status)

	st, err := h.d.Stats(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, st.ProgressPercentage)
	assert.Equal(t, 67, st.SuccessRate)
	assert.Equal(t, 5, st.TotalAttempts)
	assert.Zero(t, h.pool.InFlight(c.ID))
}

func TestCancelStopsInFlightAttempts(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	req := request(phoneA, phoneB, phoneC, phoneD, phoneE)
	req.MaxConcurrentCalls = ptr(2)
	c, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	h.run(t)

	require.Eventually(t, func() bool { return h.pool.InFlight(c.ID) == 2 }, waitFor, poll)

	cancelled, err := h.d.Cancel(context.Background(), c.ID, "supervisor", "drill aborted")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCancelled, cancelled.Status)
	assert.Equal(t, "supervisor", cancelled.CancelledBy)
	assert.Equal(t, "drill aborted", cancelled.CancelReason)
	require.NotNil(t, cancelled.CompletedAt)

	require.Eventually(t, func() bool {
		snap, err := h.d.Snapshot(c.ID)
		if err != nil {
			return false
		}
		for _, r := range snap.Recipients {
			if r.Status != domain.RecipientStatusPending {
				return false
			}
		}
		return h.pool.InFlight(c.ID) == 0
	}, waitFor, poll)

	snap, err := h.d.Snapshot(c.ID)
	require.NoError(t, err)
	for _, r := range snap.Recipients {
		assert.Zero(t, r.Attempts)
	}
	assert.Zero(t, snap.Campaign.SuccessCount+snap.Campaign.FailureCount)

	attempts, _, err := h.d.Attempts(context.Background(), c.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, domain.CallStatusCancelled, a.Status)
	}

	st, err := h.d.Stats(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, st.CancelledCount)

	_, err = h.d.Cancel(context.Background(), c.ID, "supervisor", "again")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	active, _ := h.pool.Usage()
	assert.Zero(t, active)
	assert.Len(t, h.provider.dialed(), 2)
}

func TestTimeoutWhileRingingSchedulesRetry(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, map[string][]step{
		phoneA: {stepRing, stepComplete},
	}), nil)

	req := request(phoneA)
	req.MaxRetries = ptr(1)
	req.CallTimeout = ptr(50 * time.Millisecond)
	c, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	h.run(t)

	require.Eventually(t, func() bool { return h.status(t, c.ID) == domain.CampaignStatusCompleted }, waitFor, poll)

	attempts, _, err := h.d.Attempts(context.Background(), c.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.CallStatusFailed, attempts[0].Status)
	assert.Equal(t, domain.ReasonTimeout, attempts[0].FailureReason)
	_, measured := attempts[0].Duration()
	assert.False(t, measured)
	assert.Equal(t, domain.CallStatusCompleted, attempts[1].Status)

	r, err := h.d.Snapshot(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientStatusSuccess, r.Recipients[0].Status)
	assert.Equal(t, 2, r.Recipients[0].Attempts)
	assert.Zero(t, h.pool.InFlight(c.ID))
}

func TestHigherPriorityCampaignDialsFirst(t *testing.T) {
	h := newHarness(t, newScripted(stepComplete, nil),
		nil, domain.DialLine{ID: "L1", Status: domain.LineStatusRegistered, MaxConcurrentCalls: 1})

	normal := request(phoneA, phoneB)
	normal.Priority = "normal"
	n, err := h.d.Submit(context.Background(), normal)
	require.NoError(t, err)

	urgent := request(phoneC, phoneD)
	urgent.Priority = "urgent"
	u, err := h.d.Submit(context.Background(), urgent)
	require.NoError(t, err)

	h.run(t)
	require.Eventually(t, func() bool {
		return h.status(t, n.ID) == domain.CampaignStatusCompleted && h.status(t, u.ID) == domain.CampaignStatusCompleted
	}, waitFor, poll)

	assert.Equal(t, []string{phoneC, phoneD, phoneA, phoneB}, h.provider.dialed())
}

func TestSubmitRejectsInvalidDefinitions(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{name: "missing title", mutate: func(r *SubmitRequest) { r.Title = "" }},
		{name: "no recipients", mutate: func(r *SubmitRequest) { r.Recipients = nil }},
		{name: "no payload", mutate: func(r *SubmitRequest) { r.Message = "" }},
		{name: "missing creator", mutate: func(r *SubmitRequest) { r.CreatedBy = "" }},
		{name: "negative retries", mutate: func(r *SubmitRequest) { r.MaxRetries = ptr(-1) }},
		{name: "zero timeout", mutate: func(r *SubmitRequest) { r.CallTimeout = ptr(time.Duration(0)) }},
		{name: "zero concurrency", mutate: func(r *SubmitRequest) { r.MaxConcurrentCalls = ptr(0) }},
		{name: "negative retry delay", mutate: func(r *SubmitRequest) { r.RetryDelay = ptr(-time.Second) }},
		{name: "unknown priority", mutate: func(r *SubmitRequest) { r.Priority = "critical" }},
		{name: "empty phone", mutate: func(r *SubmitRequest) { r.Recipients[0].PhoneNumber = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(phoneA)
			tt.mutate(&req)
			_, err := h.d.Submit(context.Background(), req)
			require.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	assert.Empty(t, h.d.List(""))
}

func TestSubmitNormalizesAndDisqualifiesNumbers(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	req := request(phoneA, "not a number", "+1 650-253-0001", "(650) 253-0002")
	req.AudioRef = "drill.wav"
	req.Message = ""
	c, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, c.TotalRecipients)
	assert.Equal(t, 1, c.FailureCount)
	assert.Equal(t, domain.PriorityNormal, c.Priority)
	assert.Equal(t, 1, c.RetryPolicy.MaxRetries)

	snap, err := h.d.Snapshot(c.ID)
	require.NoError(t, err)
	assert.Equal(t, phoneA, snap.Recipients[0].PhoneNumber)
	assert.Equal(t, domain.RecipientStatusFailed, snap.Recipients[1].Status)
	assert.Equal(t, ReasonInvalidNumber, snap.Recipients[1].LastError)
	assert.Zero(t, snap.Recipients[1].Attempts)
	assert.Equal(t, phoneB, snap.Recipients[2].PhoneNumber)
}

func TestStartWithoutDialableRecipientsFails(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	c, err := h.d.Submit(context.Background(), request("12", "abc"))
	require.NoError(t, err)

	started, err := h.d.Start(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusFailed, started.Status)
	assert.Equal(t, ReasonNoDialable, started.FailureReason)
	assert.Empty(t, h.provider.dialed())
}

func TestScheduledCampaignWaitsUnlessStarted(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	req := request(phoneA)
	req.ScheduledAt = ptr(time.Now().Add(time.Hour))
	c, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)

	h.d.Tick(context.Background())
	assert.Equal(t, domain.CampaignStatusPending, h.status(t, c.ID))

	started, err := h.d.Start(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	_, err = h.d.Start(context.Background(), c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = h.d.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestLineLossFailsInFlightAttempts(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	req := request(phoneA)
	req.MaxRetries = ptr(0)
	c, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	h.run(t)

	require.Eventually(t, func() bool { return h.pool.InFlight(c.ID) == 1 }, waitFor, poll)
	require.NoError(t, h.d.HandleLineStatus("L1", domain.LineStatusFailed))

	require.Eventually(t, func() bool { return h.status(t, c.ID) == domain.CampaignStatusCompleted }, waitFor, poll)
	snap, err := h.d.Snapshot(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientStatusFailed, snap.Recipients[0].Status)
	assert.Equal(t, "line failed", snap.Recipients[0].LastError)
	assert.Equal(t, domain.LineStatusFailed, h.d.Lines()[0].Status)

	assert.ErrorIs(t, h.d.HandleLineStatus("missing", domain.LineStatusFailed), apperrors.ErrNotFound)
}

func TestUnknownAndRepeatedEventsAreIgnored(t *testing.T) {
	h := newHarness(t, newScripted(stepComplete, nil), nil)

	assert.NoError(t, h.d.HandleCallEvent(telephony.Event{AttemptID: "nope", Status: domain.CallStatusCompleted}))

	c, err := h.d.Submit(context.Background(), request(phoneA))
	require.NoError(t, err)
	h.run(t)
	require.Eventually(t, func() bool { return h.status(t, c.ID) == domain.CampaignStatusCompleted }, waitFor, poll)

	attempts, _, err := h.d.Attempts(context.Background(), c.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.NoError(t, h.d.HandleCallEvent(telephony.Event{AttemptID: attempts[0].ID, Status: domain.CallStatusCompleted}))

	got, err := h.d.Campaign(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
}

func TestRestoreSettlesInterruptedAttempts(t *testing.T) {
	id := uuid.New()
	started := time.Now().Add(-time.Minute)
	store := &memStore{
		saved: make(map[uuid.UUID]domain.Campaign),
		unfinished: []domain.Snapshot{{
			Campaign: domain.Campaign{
				ID:                 id,
				Title:              "restored",
				Status:             domain.CampaignStatusInProgress,
				Priority:           domain.PriorityHigh,
				RetryPolicy:        domain.RetryPolicy{MaxRetries: 1},
				CallTimeout:        time.Second,
				MaxConcurrentCalls: 2,
				TotalRecipients:    2,
				SuccessCount:       1,
				CreatedAt:          started,
				StartedAt:          &started,
			},
			Recipients: []domain.Recipient{
				{Index: 0, PhoneNumber: phoneA, Status: domain.RecipientStatusCalling, ActiveAttemptID: "lost"},
				{Index: 1, PhoneNumber: phoneB, Status: domain.RecipientStatusSuccess, Attempts: 1},
			},
		}},
	}
	h := newHarness(t, newScripted(stepComplete, nil), store)

	n, err := h.d.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := h.d.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientStatusRetry, snap.Recipients[0].Status)
	assert.Equal(t, 1, snap.Recipients[0].Attempts)
	assert.Equal(t, ledger.ReasonInterrupted, snap.Recipients[0].LastError)

	h.run(t)
	require.Eventually(t, func() bool { return h.status(t, id) == domain.CampaignStatusCompleted }, waitFor, poll)

	snap, err = h.d.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Recipients[0].Attempts)
	assert.Equal(t, 2, snap.Campaign.SuccessCount)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.saved[id].Status == domain.CampaignStatusCompleted
	}, waitFor, poll)
}

func TestCampaignWritesLandInOrder(t *testing.T) {
	store := &memStore{
		saved: make(map[uuid.UUID]domain.Campaign),
		delay: func(c domain.Campaign) time.Duration {
			if c.Status == domain.CampaignStatusInProgress && c.SuccessCount == 1 {
				return 150 * time.Millisecond
			}
			return 0
		},
	}
	h := newHarness(t, newScripted(stepComplete, map[string][]step{phoneB: {stepLate}}), store)

	c, err := h.d.Submit(context.Background(), request(phoneA, phoneB))
	require.NoError(t, err)
	h.run(t)

	require.Eventually(t, func() bool { return h.status(t, c.ID) == domain.CampaignStatusCompleted }, waitFor, poll)
	time.Sleep(300 * time.Millisecond)

	store.mu.Lock()
	saved := store.saved[c.ID]
	store.mu.Unlock()
	assert.Equal(t, domain.CampaignStatusCompleted, saved.Status)
	assert.Equal(t, 2, saved.SuccessCount)
}

func TestShutdownRevertsInFlightRecipients(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	c, err := h.d.Submit(context.Background(), request(phoneA, phoneB))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool { return h.pool.InFlight(c.ID) == 2 }, waitFor, poll)
	require.NoError(t, h.d.Shutdown(context.Background()))
	require.NoError(t, <-done)

	snap, err := h.d.Snapshot(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusInProgress, snap.Campaign.Status)
	for _, r := range snap.Recipients {
		assert.Equal(t, domain.RecipientStatusPending, r.Status)
		assert.Zero(t, r.Attempts)
	}
	assert.Zero(t, h.pool.InFlight(c.ID))
}

func TestBulkCancelReportsPerCampaign(t *testing.T) {
	h := newHarness(t, newScripted(stepHang, nil), nil)

	first, err := h.d.Submit(context.Background(), request(phoneA))
	require.NoError(t, err)
	missing := uuid.New()

	results := h.d.BulkCancel(context.Background(), []uuid.UUID{first.ID, missing}, "ops", "storm passed")
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, apperrors.ErrNotFound)
	assert.Equal(t, domain.CampaignStatusCancelled, h.status(t, first.ID))
	assert.Len(t, h.d.List(domain.CampaignStatusCancelled), 1)
}
