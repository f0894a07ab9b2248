// Package bridge is a development stand-in for the telephony bridge: it
// consumes dial requests and answers with simulated call events on the
// signaling topic.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/queue"
	"github.com/acme/broadcast-dispatch/internal/telephony"
	"github.com/acme/broadcast-dispatch/pkg/logger"
)

// SignalPublisher writes events back to the engine.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, msg queue.SignalMessage) error
}

// Reader is the subset of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker replays simulated calls for every dial request it reads.
type Worker struct {
	reader    Reader
	provider  telephony.Provider
	publisher SignalPublisher
	log       *logger.Logger
	fallback  time.Duration
}

// New creates a bridge worker. fallback bounds calls whose request carries
// no timeout.
func New(reader Reader, provider telephony.Provider, publisher SignalPublisher, log *logger.Logger, fallback time.Duration) *Worker {
	if fallback <= 0 {
		fallback = 30 * time.Second
	}
	return &Worker{reader: reader, provider: provider, publisher: publisher, log: log, fallback: fallback}
}

// Announce reports every line as registered.
func (w *Worker) Announce(ctx context.Context, lineIDs []string) error {
	for _, id := range lineIDs {
		err := w.publisher.PublishSignal(ctx, queue.SignalMessage{
			Kind:       queue.SignalKindLine,
			LineID:     id,
			Status:     string(domain.LineStatusRegistered),
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("bridge: announce line %s: %w", id, err)
		}
	}
	return nil
}

// Run consumes dial requests until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("bridge worker: fetch message", zap.Error(err))
			continue
		}

		var dial queue.DialMessage
		if err := json.Unmarshal(m.Value, &dial); err != nil {
			w.log.Error("bridge worker: unmarshal dial", zap.Error(err))
		} else if err := w.Handle(ctx, dial); err != nil {
			w.log.Error("bridge worker: handle dial", zap.Error(err), zap.String("attempt_id", dial.AttemptID))
		}

		if err := w.reader.CommitMessages(ctx, m); err != nil {
			w.log.Error("bridge worker: commit", zap.Error(err))
		}
	}
}

// Handle starts one simulated call. Events are published asynchronously
// until the call ends or its timeout passes.
func (w *Worker) Handle(ctx context.Context, dial queue.DialMessage) error {
	tracer := otel.Tracer("broadcast.bridgesim")
	_, span := tracer.Start(ctx, "bridge.dial", trace.WithAttributes(
		attribute.String("attempt.id", dial.AttemptID),
		attribute.String("line.id", dial.LineID),
	))
	defer span.End()

	timeout := time.Duration(dial.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = w.fallback
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	sink := &publishingSink{ctx: ctx, publisher: w.publisher, done: cancel, log: w.log}

	err := w.provider.Dial(callCtx, telephony.DialRequest{
		AttemptID:   dial.AttemptID,
		CampaignID:  dial.CampaignID,
		LineID:      dial.LineID,
		PhoneNumber: dial.PhoneNumber,
		Message:     dial.Message,
		AudioRef:    dial.AudioRef,
		Timeout:     timeout,
	}, sink)
	if err != nil {
		cancel()
		span.RecordError(err)
		return sink.HandleCallEvent(telephony.Event{
			AttemptID:  dial.AttemptID,
			Status:     domain.CallStatusFailed,
			Reason:     err.Error(),
			OccurredAt: time.Now().UTC(),
		})
	}
	return nil
}

// publishingSink turns provider events into signal messages and ends the
// simulated call on its first terminal event.
type publishingSink struct {
	ctx       context.Context
	publisher SignalPublisher
	done      context.CancelFunc
	log       *logger.Logger
}

func (s *publishingSink) HandleCallEvent(ev telephony.Event) error {
	if ev.Status.IsTerminal() {
		defer s.done()
	}
	err := s.publisher.PublishSignal(s.ctx, queue.SignalMessage{
		Kind:       queue.SignalKindCall,
		AttemptID:  ev.AttemptID,
		Status:     string(ev.Status),
		Reason:     ev.Reason,
		OccurredAt: ev.OccurredAt.UTC(),
	})
	if err != nil {
		s.log.Warn("bridge worker: publish signal", zap.Error(err), zap.String("attempt_id", ev.AttemptID))
	}
	return err
}
