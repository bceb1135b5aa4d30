package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
)

type stubASR struct{}

func (stubASR) Transcribe(_ context.Context, _ []byte, onSegment pipeline.SegmentCallback) (*pipeline.ASRResult, error) {
	onSegment(pipeline.Segment{Text: " Hello there.", Start: 0, End: 1.1})
	return &pipeline.ASRResult{Text: "Hello there."}, nil
}

// stubLLM streams its tokens. When gate is set it first waits for the gate to
// close or for ctx to end, reporting cancellation on cancelled.
type stubLLM struct {
	tokens    []string
	gate      chan struct{}
	started   chan struct{}
	cancelled chan struct{}
}

func (s *stubLLM) Chat(ctx context.Context, _, _, _ string, onToken pipeline.TokenCallback) (*pipeline.LLMResult, error) {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			if s.cancelled != nil {
				close(s.cancelled)
			}
			return nil, ctx.Err()
		}
	}
	for _, tok := range s.tokens {
		onToken(tok)
	}
	return &pipeline.LLMResult{Text: strings.Join(s.tokens, "")}, nil
}

type stubTTS struct{}

func (stubTTS) MediaType() string { return "audio/wav" }

func (stubTTS) SynthesizeAudio(_ context.Context, text string, _ pipeline.TTSOptions) ([]byte, error) {
	return []byte("wav:" + text), nil
}

func newTestHandler(llm pipeline.LLMChatClient, maxConcurrent int) *Handler {
	agent := pipeline.NewLLMRouter("stub", 64)
	agent.AddClient("stub", llm, "stub-model")
	svc := &pipeline.Services{
		ASR:          pipeline.NewASRRouter(map[string]pipeline.ASRTranscriber{"stub": stubASR{}}, "stub"),
		LLM:          agent,
		TTS:          pipeline.NewTTSRouter(map[string]pipeline.TTSSynthesizer{"stub": stubTTS{}}, "stub"),
		ASREngine:    "stub",
		TTSEngine:    "stub",
		SystemPrompt: "be brief",
		SpeechGate:   audio.DefaultSpeechGate(),
		TTSLookahead: 1,
	}
	return NewHandler(HandlerConfig{
		Services:      svc,
		MaxConcurrent: maxConcurrent,
		PingInterval:  time.Second,
		WriteTimeout:  time.Second,
	})
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readUntil collects events up to and including the first one of type last.
func readUntil(t *testing.T, conn *websocket.Conn, last string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for {
		ev := readEvent(t, conn)
		events = append(events, ev)
		if ev["type"] == last {
			return events
		}
	}
}

func eventTypes(events []map[string]any) string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i], _ = ev["type"].(string)
	}
	return strings.Join(types, ",")
}

func TestChatRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newTestHandler(&stubLLM{tokens: []string{"Hi", " there."}}, 4))
	defer srv.Close()
	conn := dial(t, srv)

	send(t, conn, `{"type":"chat","prompt":"  hello  "}`)
	events := readUntil(t, conn, "done")

	if got, want := eventTypes(events), "start,token,token,done"; got != want {
		t.Fatalf("events: got %s want %s", got, want)
	}
	if events[0]["prompt"] != "hello" || events[3]["full_response"] != "Hi there." {
		t.Fatalf("payloads: %v", events)
	}
}

func TestVoiceRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newTestHandler(&stubLLM{tokens: []string{"Sure thing. ", "Anything else?"}}, 4))
	defer srv.Close()
	conn := dial(t, srv)

	data := base64.StdEncoding.EncodeToString([]byte("RIFF....WAVE"))
	send(t, conn, `{"type":"audio","data":"`+data+`"}`)
	events := readUntil(t, conn, "pipeline_done")

	want := "stt_start,stt_segment,stt_done,llm_start,tts_start,llm_token,tts_chunk,llm_token,tts_chunk,llm_done,tts_done,pipeline_done"
	if got := eventTypes(events); got != want {
		t.Fatalf("events:\n got  %s\n want %s", got, want)
	}
	if events[2]["full_transcript"] != "Hello there." {
		t.Fatalf("transcript: %v", events[2])
	}
	chunk := events[8]
	if chunk["index"] != float64(1) || chunk["sentence"] != "Anything else?" {
		t.Fatalf("second chunk: %v", chunk)
	}
	audioB64, _ := chunk["audio"].(string)
	if raw, _ := base64.StdEncoding.DecodeString(audioB64); string(raw) != "wav:Anything else?" {
		t.Fatalf("chunk audio: %q", raw)
	}
	if events[10]["total_chunks"] != float64(2) {
		t.Fatalf("tts_done: %v", events[10])
	}
}

func TestBusyWhileGenerating(t *testing.T) {
	llm := &stubLLM{tokens: []string{"Done."}, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	srv := httptest.NewServer(newTestHandler(llm, 4))
	defer srv.Close()
	conn := dial(t, srv)

	send(t, conn, `{"type":"chat","prompt":"first"}`)
	if ev := readEvent(t, conn); ev["type"] != "start" {
		t.Fatalf("expected start, got %v", ev)
	}
	<-llm.started

	send(t, conn, `{"type":"chat","prompt":"second"}`)
	ev := readEvent(t, conn)
	if ev["type"] != "error" || ev["message"] != pipeline.MsgBusy {
		t.Fatalf("expected busy error, got %v", ev)
	}

	send(t, conn, `{"type":"ping"}`)
	if ev := readEvent(t, conn); ev["type"] != "pong" {
		t.Fatalf("ping during run: got %v", ev)
	}

	close(llm.gate)
	if got := eventTypes(readUntil(t, conn, "done")); got != "token,done" {
		t.Fatalf("first run tail: %s", got)
	}

	send(t, conn, `{"type":"chat","prompt":"third"}`)
	<-llm.started
	if got := eventTypes(readUntil(t, conn, "done")); got != "start,token,done" {
		t.Fatalf("run after busy: %s", got)
	}
}

func TestBadFramesKeepSessionOpen(t *testing.T) {
	srv := httptest.NewServer(newTestHandler(&stubLLM{tokens: []string{"ok"}}, 4))
	defer srv.Close()
	conn := dial(t, srv)

	tests := []struct {
		name  string
		kind  int
		frame string
		want  string
	}{
		{"invalid json", websocket.TextMessage, `{"type":`, "Invalid JSON message"},
		{"unknown type", websocket.TextMessage, `{"type":"dance"}`, "Unknown message type: dance"},
		{"empty prompt", websocket.TextMessage, `{"type":"chat","prompt":"   "}`, pipeline.MsgEmptyPrompt},
		{"empty audio", websocket.TextMessage, `{"type":"audio","data":""}`, pipeline.MsgNoAudio},
		{"binary frame", websocket.BinaryMessage, "\x00\x01", msgBinaryFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(tt.kind, []byte(tt.frame)); err != nil {
				t.Fatalf("write: %v", err)
			}
			ev := readEvent(t, conn)
			if ev["type"] != "error" || ev["message"] != tt.want {
				t.Fatalf("got %v, want error %q", ev, tt.want)
			}
		})
	}

	send(t, conn, `{"type":"ping"}`)
	if ev := readEvent(t, conn); ev["type"] != "pong" {
		t.Fatalf("expected pong, got %v", ev)
	}
}

func TestAdmissionLimit(t *testing.T) {
	srv := httptest.NewServer(newTestHandler(&stubLLM{}, 1))
	defer srv.Close()
	first := dial(t, srv)

	// Round-trip a ping so the first session is known to hold its slot.
	send(t, first, `{"type":"ping"}`)
	readEvent(t, first)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestDisconnectCancelsRun(t *testing.T) {
	llm := &stubLLM{gate: make(chan struct{}), started: make(chan struct{}, 1), cancelled: make(chan struct{})}
	srv := httptest.NewServer(newTestHandler(llm, 4))
	defer srv.Close()
	conn := dial(t, srv)

	send(t, conn, `{"type":"chat","prompt":"long answer"}`)
	<-llm.started
	conn.Close()

	select {
	case <-llm.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("generation was not cancelled after disconnect")
	}
}

func TestShutdownClosesIdleSessions(t *testing.T) {
	h := newTestHandler(&stubLLM{}, 4)
	srv := httptest.NewServer(h)
	defer srv.Close()
	conn := dial(t, srv)

	send(t, conn, `{"type":"ping"}`)
	readEvent(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got err=%v resp=%+v", err, resp)
	}
}

type historyWriter struct {
	mu      sync.Mutex
	results []trace.RunResult
	ended   chan struct{}
}

func (w *historyWriter) CreateSession(context.Context, string, string) error { return nil }
func (w *historyWriter) CreateSpan(context.Context, trace.Span) error        { return nil }

func (w *historyWriter) CreateRun(context.Context, string, string, string, string) error {
	return nil
}

func (w *historyWriter) UpdateRun(_ context.Context, _ string, res trace.RunResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, res)
	return nil
}

func (w *historyWriter) EndSession(context.Context, string) error {
	close(w.ended)
	return nil
}

func TestSessionWritesRunHistory(t *testing.T) {
	h := newTestHandler(&stubLLM{tokens: []string{"Sure."}}, 4)
	history := &historyWriter{ended: make(chan struct{})}
	h.cfg.Traces = history
	srv := httptest.NewServer(h)
	defer srv.Close()
	conn := dial(t, srv)

	send(t, conn, `{"type":"chat","prompt":"hi","speak":true}`)
	readUntil(t, conn, "pipeline_done")
	conn.Close()

	select {
	case <-history.ended:
	case <-time.After(3 * time.Second):
		t.Fatal("session end was not recorded")
	}
	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.results) != 1 {
		t.Fatalf("runs recorded: %d", len(history.results))
	}
	if res := history.results[0]; res.Status != "ok" || res.Response != "Sure." || res.Chunks != 1 {
		t.Fatalf("run result: %+v", res)
	}
}
