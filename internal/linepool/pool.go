// Package linepool grants slots on a fixed set of outbound dial lines.
//
// A single mutex serializes every acquire and release so that line capacity
// and per-campaign ceilings are checked and incremented in one step.
package linepool

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/broadcast-dispatch/internal/domain"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

var (
	// ErrLinesBusy means no registered line has a free slot.
	ErrLinesBusy = fmt.Errorf("%w: all lines busy", apperrors.ErrNoCapacity)
	// ErrCampaignLimit means the campaign already runs its maximum of calls.
	ErrCampaignLimit = fmt.Errorf("%w: campaign concurrency limit reached", apperrors.ErrNoCapacity)
)

// ReleaseFunc receives the terminal outcome of a released handle.
type ReleaseFunc func(h *Handle, outcome domain.Outcome)

// Handle is one granted slot.
type Handle struct {
	id         uint64
	LineID     string
	CampaignID uuid.UUID
	released   bool
}

// Pool owns the usage counters of all lines and campaigns.
type Pool struct {
	mu        sync.Mutex
	lines     []*domain.DialLine
	byID      map[string]*domain.DialLine
	campaigns map[uuid.UUID]int
	nextID    uint64
	onRelease ReleaseFunc
	observer  func(lineID string, active int)
}

// New builds a pool from line definitions. Usage counters start at zero.
func New(lines []domain.DialLine) (*Pool, error) {
	p := &Pool{
		byID:      make(map[string]*domain.DialLine, len(lines)),
		campaigns: make(map[uuid.UUID]int),
	}
	for _, l := range lines {
		if err := p.AddLine(l); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// OnRelease installs the callback invoked after every Release.
func (p *Pool) OnRelease(fn ReleaseFunc) {
	p.mu.Lock()
	p.onRelease = fn
	p.mu.Unlock()
}

// ObserveUsage installs a hook called with a line's usage after it changes.
func (p *Pool) ObserveUsage(fn func(lineID string, active int)) {
	p.mu.Lock()
	p.observer = fn
	p.mu.Unlock()
}

// AddLine registers a new line.
func (p *Pool) AddLine(l domain.DialLine) error {
	if l.ID == "" {
		return fmt.Errorf("%w: line id required", apperrors.ErrValidation)
	}
	if l.MaxConcurrentCalls <= 0 {
		l.MaxConcurrentCalls = domain.DefaultLineCapacity
	}
	if l.Status == "" {
		l.Status = domain.LineStatusUnregistered
	}
	l.CurrentActiveCalls = 0

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[l.ID]; ok {
		return fmt.Errorf("%w: line %s already exists", apperrors.ErrConflict, l.ID)
	}
	line := l
	p.lines = append(p.lines, &line)
	p.byID[l.ID] = &line
	return nil
}

// Acquire grants one slot for campaignID or fails immediately. A
// campaignLimit of zero or less disables the campaign ceiling.
func (p *Pool) Acquire(campaignID uuid.UUID, campaignLimit int) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if campaignLimit > 0 && p.campaigns[campaignID] >= campaignLimit {
		return nil, ErrCampaignLimit
	}

	var best *domain.DialLine
	for _, l := range p.lines {
		if !l.Available() {
			continue
		}
		if best == nil || l.CurrentActiveCalls < best.CurrentActiveCalls {
			best = l
		}
	}
	if best == nil {
		return nil, ErrLinesBusy
	}

	best.CurrentActiveCalls++
	best.TotalCalls++
	p.campaigns[campaignID]++
	p.nextID++
	p.notify(best)

	return &Handle{id: p.nextID, LineID: best.ID, CampaignID: campaignID}, nil
}

// Release returns the slot and hands outcome to the release callback. Only
// the first release of a handle has any effect.
func (p *Pool) Release(h *Handle, outcome domain.Outcome) bool {
	if !p.free(h) {
		return false
	}
	p.mu.Lock()
	fn := p.onRelease
	p.mu.Unlock()
	if fn != nil {
		fn(h, outcome)
	}
	return true
}

// Abandon returns a slot whose call never started. No outcome is reported.
func (p *Pool) Abandon(h *Handle) bool {
	return p.free(h)
}

func (p *Pool) free(h *Handle) bool {
	if h == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.released {
		return false
	}
	h.released = true

	if l, ok := p.byID[h.LineID]; ok && l.CurrentActiveCalls > 0 {
		l.CurrentActiveCalls--
		p.notify(l)
	}
	if n := p.campaigns[h.CampaignID]; n <= 1 {
		delete(p.campaigns, h.CampaignID)
	} else {
		p.campaigns[h.CampaignID] = n - 1
	}
	return true
}

func (p *Pool) notify(l *domain.DialLine) {
	if p.observer != nil {
		p.observer(l.ID, l.CurrentActiveCalls)
	}
}

// SetStatus records a registration change reported by the signaling side.
// Slots already granted on the line stay counted until released.
func (p *Pool) SetStatus(lineID string, status domain.LineStatus) (domain.LineStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.byID[lineID]
	if !ok {
		return "", fmt.Errorf("%w: line %s", apperrors.ErrNotFound, lineID)
	}
	prev := l.Status
	l.Status = status
	return prev, nil
}

// InFlight returns the number of slots held by a campaign.
func (p *Pool) InFlight(campaignID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.campaigns[campaignID]
}

// Usage returns the number of busy and total slots on registered lines.
func (p *Pool) Usage() (active, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.lines {
		active += l.CurrentActiveCalls
		if l.Status == domain.LineStatusRegistered {
			capacity += l.MaxConcurrentCalls
		}
	}
	return active, capacity
}

// Lines returns a copy of every line sorted by id.
func (p *Pool) Lines() []domain.DialLine {
	p.mu.Lock()
	out := make([]domain.DialLine, 0, len(p.lines))
	for _, l := range p.lines {
		out = append(out, *l)
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.DialLine) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
