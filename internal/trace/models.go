package trace

import "time"

// Session is one WebSocket connection. RunCount is only filled by listings.
type Session struct {
	ID        string     `json:"id" db:"id"`
	Metadata  string     `json:"metadata" db:"metadata"`
	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	RunCount  int        `json:"run_count,omitempty" db:"run_count"`
}

// Run is one request on a session, from the inbound message to its terminal event.
type Run struct {
	ID         string    `json:"id" db:"id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	Kind       string    `json:"kind" db:"kind"`
	Input      string    `json:"input,omitempty" db:"input"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty" db:"duration_ms"`
	Transcript string    `json:"transcript,omitempty" db:"transcript"`
	Response   string    `json:"response,omitempty" db:"response"`
	Chunks     int       `json:"chunks" db:"chunks"`
	Status     string    `json:"status" db:"status"`
	SpanCount  int       `json:"span_count,omitempty" db:"span_count"`
}

// RunResult is what a finished run writes back onto its row.
type RunResult struct {
	DurationMs float64
	Transcript string
	Response   string
	Chunks     int
	Status     string
}

// Span is one stage execution inside a run: recognition, generation, or a single synthesis call.
type Span struct {
	ID         string    `json:"id" db:"id"`
	RunID      string    `json:"run_id" db:"run_id"`
	Name       string    `json:"name" db:"name"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	DurationMs float64   `json:"duration_ms" db:"duration_ms"`
	Input      string    `json:"input,omitempty" db:"input"`
	Output     string    `json:"output,omitempty" db:"output"`
	Status     string    `json:"status" db:"status"`
	Error      string    `json:"error,omitempty" db:"error_msg"`
}
