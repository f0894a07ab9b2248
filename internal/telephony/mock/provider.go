package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/broadcast-dispatch/internal/config"
	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/telephony"
)

// Provider simulates outbound call behaviour by replaying a random call
// progression to the sink.
type Provider struct {
	successRate  float64
	busyRate     float64
	noAnswerRate float64
	ringDelay    time.Duration
	talkTime     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider from the bridge configuration.
func NewProvider(cfg config.CallBridgeConfig) *Provider {
	return &Provider{
		successRate:  cfg.SuccessRate,
		busyRate:     cfg.BusyRate,
		noAnswerRate: cfg.NoAnswerRate,
		ringDelay:    cfg.RingDelay,
		talkTime:     cfg.TalkTime,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type script struct {
	outcome domain.CallStatus
	ring    time.Duration
	talk    time.Duration
}

func (p *Provider) pick() script {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := script{
		ring: jitter(p.rng, p.ringDelay),
		talk: jitter(p.rng, p.talkTime),
	}
	roll := p.rng.Float64()
	switch {
	case roll < p.successRate:
		s.outcome = domain.CallStatusCompleted
	case roll < p.successRate+p.busyRate:
		s.outcome = domain.CallStatusBusy
	case roll < p.successRate+p.busyRate+p.noAnswerRate:
		s.outcome = domain.CallStatusNoAnswer
	default:
		s.outcome = domain.CallStatusFailed
	}
	return s
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rng.Int63n(int64(d)))
}

// Dial simulates placing the call. Events are delivered from a separate
// goroutine; nothing more is emitted once ctx is done.
func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest, sink telephony.EventSink) error {
	s := p.pick()
	go p.play(ctx, req.AttemptID, s, sink)
	return nil
}

func (p *Provider) play(ctx context.Context, attemptID string, s script, sink telephony.EventSink) {
	emit := func(status domain.CallStatus, reason string) {
		_ = sink.HandleCallEvent(telephony.Event{AttemptID: attemptID, Status: status, Reason: reason, OccurredAt: time.Now()})
	}
	wait := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	if s.outcome == domain.CallStatusBusy {
		emit(domain.CallStatusBusy, "user busy")
		return
	}
	if !wait(s.ring) {
		return
	}
	emit(domain.CallStatusRinging, "")

	switch s.outcome {
	case domain.CallStatusNoAnswer:
		if wait(s.ring) {
			emit(domain.CallStatusNoAnswer, "no answer")
		}
	case domain.CallStatusFailed:
		emit(domain.CallStatusFailed, "simulated failure")
	default:
		if !wait(s.ring) {
			return
		}
		emit(domain.CallStatusAnswered, "")
		if wait(s.talk) {
			emit(domain.CallStatusCompleted, "")
		}
	}
}
