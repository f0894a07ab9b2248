package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/queue"
	"github.com/acme/broadcast-dispatch/internal/telephony"
	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
	"github.com/acme/broadcast-dispatch/pkg/logger"
)

type recordingEngine struct {
	events []telephony.Event
	lines  map[string]domain.LineStatus
	err    error
}

func (e *recordingEngine) HandleCallEvent(ev telephony.Event) error {
	e.events = append(e.events, ev)
	return e.err
}

func (e *recordingEngine) HandleLineStatus(lineID string, status domain.LineStatus) error {
	if e.lines == nil {
		e.lines = make(map[string]domain.LineStatus)
	}
	e.lines[lineID] = status
	return e.err
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name    string
		signal  queue.SignalMessage
		wantErr error
		check   func(t *testing.T, e *recordingEngine)
	}{
		{
			name:   "call event",
			signal: queue.SignalMessage{Kind: queue.SignalKindCall, AttemptID: "01HX", Status: "busy", Reason: "user busy"},
			check: func(t *testing.T, e *recordingEngine) {
				require.Len(t, e.events, 1)
				assert.Equal(t, domain.CallStatusBusy, e.events[0].Status)
				assert.Equal(t, "user busy", e.events[0].Reason)
			},
		},
		{
			name:   "line status is case insensitive",
			signal: queue.SignalMessage{Kind: queue.SignalKindLine, LineID: "trunk-1", Status: "REGISTERED"},
			check: func(t *testing.T, e *recordingEngine) {
				assert.Equal(t, domain.LineStatusRegistered, e.lines["trunk-1"])
			},
		},
		{
			name:    "unknown call status",
			signal:  queue.SignalMessage{Kind: queue.SignalKindCall, AttemptID: "01HX", Status: "exploded"},
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "initiated is not signaled",
			signal:  queue.SignalMessage{Kind: queue.SignalKindCall, AttemptID: "01HX", Status: "initiated"},
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "missing attempt id",
			signal:  queue.SignalMessage{Kind: queue.SignalKindCall, Status: "busy"},
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "missing line id",
			signal:  queue.SignalMessage{Kind: queue.SignalKindLine, Status: "failed"},
			wantErr: apperrors.ErrValidation,
		},
		{
			name:    "unknown kind",
			signal:  queue.SignalMessage{Kind: "sms", Status: "sent"},
			wantErr: apperrors.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &recordingEngine{}
			w := New(nil, engine, logger.NewNop())

			err := w.Handle(context.Background(), tt.signal)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, engine.events)
				return
			}
			require.NoError(t, err)
			tt.check(t, engine)
		})
	}
}

func TestHandleSurfacesEngineRejections(t *testing.T) {
	engine := &recordingEngine{err: apperrors.ErrInvalidTransition}
	w := New(nil, engine, logger.NewNop())

	err := w.Handle(context.Background(), queue.SignalMessage{Kind: queue.SignalKindCall, AttemptID: "01HX", Status: "completed"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Len(t, engine.events, 1)
}
