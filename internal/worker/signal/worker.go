// Package signal consumes the signaling topic and feeds call progress and
// line registration changes into the engine.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/observability"
	"github.com/acme/broadcast-dispatch/internal/queue"
	"github.com/acme/broadcast-dispatch/internal/telephony"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
	"github.com/acme/broadcast-dispatch/pkg/logger"
)

// Engine receives decoded signals.
type Engine interface {
	HandleCallEvent(ev telephony.Event) error
	HandleLineStatus(lineID string, status domain.LineStatus) error
}

// Reader is the subset of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes signal messages.
type Worker struct {
	reader Reader
	engine Engine
	log    *logger.Logger
}

// New creates a signal worker.
func New(reader Reader, engine Engine, log *logger.Logger) *Worker {
	return &Worker{reader: reader, engine: engine, log: log}
}

// Run processes signals until the context is cancelled. Every message is
// committed once handled, including ones that cannot be applied.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	tracer := otel.Tracer("broadcast.signalworker")
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("signal worker: fetch", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var signal queue.SignalMessage
		if err := json.Unmarshal(msg.Value, &signal); err != nil {
			w.log.Error("signal worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
			observability.SignalEvents.WithLabelValues("unknown", "malformed").Inc()
			_ = w.reader.CommitMessages(ctx, msg)
			continue
		}

		sctx, span := tracer.Start(ctx, "signal.handle", trace.WithAttributes(
			attribute.String("signal.kind", signal.Kind),
			attribute.String("signal.status", signal.Status),
		))
		if err := w.Handle(sctx, signal); err != nil {
			span.RecordError(err)
		}
		if err := w.reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			w.log.Error("signal worker: commit", zap.Error(err))
		}
		span.End()
	}
}

// Handle applies one decoded signal.
func (w *Worker) Handle(ctx context.Context, signal queue.SignalMessage) error {
	err := w.apply(signal)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrInvalidTransition):
		result = "rejected"
		w.log.WithContext(ctx).Error("signal worker: invariant violation", zap.Error(err),
			zap.String("attempt_id", signal.AttemptID), zap.String("status", signal.Status))
	default:
		result = "error"
		w.log.WithContext(ctx).Warn("signal worker: apply", zap.Error(err),
			zap.String("kind", signal.Kind), zap.String("line_id", signal.LineID))
	}
	observability.SignalEvents.WithLabelValues(signal.Kind, result).Inc()
	return err
}

func (w *Worker) apply(signal queue.SignalMessage) error {
	switch signal.Kind {
	case queue.SignalKindCall:
		if signal.AttemptID == "" {
			return fmt.Errorf("%w: call signal without attempt id", apperrors.ErrValidation)
		}
		status, err := parseCallStatus(signal.Status)
		if err != nil {
			return err
		}
		return w.engine.HandleCallEvent(telephony.Event{
			AttemptID:  signal.AttemptID,
			Status:     status,
			Reason:     signal.Reason,
			OccurredAt: signal.OccurredAt,
		})
	case queue.SignalKindLine:
		if signal.LineID == "" {
			return fmt.Errorf("%w: line signal without line id", apperrors.ErrValidation)
		}
		status, err := domain.ParseLineStatus(signal.Status)
		if err != nil {
			return err
		}
		return w.engine.HandleLineStatus(signal.LineID, status)
	}
	return fmt.Errorf("%w: unknown signal kind %q", apperrors.ErrValidation, signal.Kind)
}

func parseCallStatus(s string) (domain.CallStatus, error) {
	status := domain.CallStatus(s)
	switch status {
	case domain.CallStatusRinging, domain.CallStatusAnswered, domain.CallStatusCompleted,
		domain.CallStatusFailed, domain.CallStatusBusy, domain.CallStatusNoAnswer, domain.CallStatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown call status %q", apperrors.ErrValidation, s)
}
