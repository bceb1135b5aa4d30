package ws

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/protocol"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
)

// Session is the per-connection state machine. The reader goroutine calls Accept;
// accepted requests run one at a time on the session's own goroutine.
type Session struct {
	ID string

	pipe   *pipeline.Pipeline
	emit   pipeline.EventCallback
	tracer *trace.Tracer

	runs chan protocol.Inbound
	done chan struct{}
}

// NewSession creates an idle session. traces may be nil to disable run history.
func NewSession(svc *pipeline.Services, traces trace.Writer, emit pipeline.EventCallback, metadata string) *Session {
	id := uuid.NewString()
	var tracer *trace.Tracer
	if traces != nil {
		tracer = trace.NewTracer(traces, id, metadata)
	}
	return &Session{
		ID:     id,
		pipe:   pipeline.New(svc, id, tracer),
		emit:   emit,
		tracer: tracer,
		runs:   make(chan protocol.Inbound, 1),
		done:   make(chan struct{}),
	}
}

// State reports where the session is in its request lifecycle.
func (s *Session) State() pipeline.State {
	return s.pipe.State()
}

// Start launches the run goroutine. It exits when ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Accept handles one decoded inbound message. Pings are answered immediately;
// chat and audio claim the idle pipeline or are refused with an error event.
func (s *Session) Accept(msg protocol.Inbound) {
	if _, ok := msg.(*protocol.Ping); ok {
		s.emit(protocol.NewPong())
		return
	}

	if err := s.pipe.Begin(msg); err != nil {
		if !errors.Is(err, pipeline.ErrBusy) {
			slog.Info("request rejected", "session_id", s.ID, "type", msg.InboundType(), "error", err)
		}
		s.emit(protocol.NewError(pipeline.ClientMessage(err)))
		return
	}

	// Begin only succeeds once the previous request has been taken off runs and
	// released by its run, so the slot is always free here.
	s.runs <- msg
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.runs:
			s.run(ctx, msg)
		}
	}
}

func (s *Session) run(ctx context.Context, msg protocol.Inbound) {
	err := s.pipe.Run(ctx, msg, s.emit)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		slog.Info("run cancelled", "session_id", s.ID, "type", msg.InboundType())
		return
	}
	slog.Warn("run failed", "session_id", s.ID, "type", msg.InboundType(), "error", err)
	s.emit(protocol.NewError(pipeline.ClientMessage(err)))
}

// Close waits for the run goroutine to exit, then flushes the session's trace.
// The context passed to Start must already be cancelled or about to be.
func (s *Session) Close() {
	<-s.done
	s.tracer.Close()
}
