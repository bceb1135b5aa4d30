package trace

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// maxIOLen caps stored inputs, outputs and responses, in bytes.
	maxIOLen = 500
	// queueSize is how many records may wait for the writer before new ones are dropped.
	queueSize = 64
	// writeTimeout bounds each individual write.
	writeTimeout = 5 * time.Second
)

// Writer persists trace records. *Store is the PostgreSQL implementation.
type Writer interface {
	CreateSession(ctx context.Context, id, metadata string) error
	EndSession(ctx context.Context, id string) error
	CreateRun(ctx context.Context, id, sessionID, kind, input string) error
	UpdateRun(ctx context.Context, id string, res RunResult) error
	CreateSpan(ctx context.Context, sp Span) error
}

// record is one queued write.
type record struct {
	op    string
	write func(ctx context.Context) error
}

// Tracer records one session's runs and spans on a background goroutine, in the order
// they were submitted. Submitting never blocks: when the queue is full the record is
// dropped. A nil *Tracer discards everything.
type Tracer struct {
	w         Writer
	sessionID string
	queue     chan record
	drained   chan struct{}
}

// NewTracer starts a tracer for sessionID and queues the session row. Close must be called.
func NewTracer(w Writer, sessionID, metadata string) *Tracer {
	t := &Tracer{
		w:         w,
		sessionID: sessionID,
		queue:     make(chan record, queueSize),
		drained:   make(chan struct{}),
	}
	t.queue <- record{op: "session_create", write: func(ctx context.Context) error {
		return w.CreateSession(ctx, sessionID, metadata)
	}}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.drained)
	for rec := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := rec.write(ctx)
		cancel()
		if err != nil {
			slog.Warn("trace write failed", "op", rec.op, "session_id", t.sessionID, "error", err)
		}
	}
}

func (t *Tracer) enqueue(op string, write func(ctx context.Context) error) {
	if t == nil {
		return
	}
	select {
	case t.queue <- record{op: op, write: write}:
	default:
		slog.Warn("trace queue full, dropping record", "op", op, "session_id", t.sessionID)
	}
}

// StartRun records a run entering the running state.
func (t *Tracer) StartRun(runID, kind, input string) {
	input = truncate(input, maxIOLen)
	t.enqueue("run_create", func(ctx context.Context) error {
		return t.w.CreateRun(ctx, runID, t.sessionID, kind, input)
	})
}

// EndRun records the run's outcome.
func (t *Tracer) EndRun(runID string, res RunResult) {
	res.Transcript = truncate(res.Transcript, maxIOLen)
	res.Response = truncate(res.Response, maxIOLen)
	t.enqueue("run_update", func(ctx context.Context) error {
		return t.w.UpdateRun(ctx, runID, res)
	})
}

// RecordSpan records a finished stage. The span is given a fresh ID.
func (t *Tracer) RecordSpan(sp Span) {
	sp.ID = uuid.NewString()
	sp.Input = truncate(sp.Input, maxIOLen)
	sp.Output = truncate(sp.Output, maxIOLen)
	t.enqueue("span", func(ctx context.Context) error {
		return t.w.CreateSpan(ctx, sp)
	})
}

// Close records the session end and waits until every queued record has been written.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.queue <- record{op: "session_end", write: func(ctx context.Context) error {
		return t.w.EndSession(ctx, t.sessionID)
	}}
	close(t.queue)
	<-t.drained
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
