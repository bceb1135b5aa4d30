package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/protocol"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
)

// State is the position of a session's pipeline in its request lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRecognizing
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecognizing:
		return "recognizing"
	case StateGenerating:
		return "generating"
	}
	return "unknown"
}

// RunKind labels what started a run.
type RunKind string

const (
	RunKindVoice      RunKind = "voice"
	RunKindChat       RunKind = "chat"
	RunKindSpokenChat RunKind = "spoken_chat"
)

// EventCallback is invoked for each outbound event of a run. With a synthesis lookahead
// above 1, chunks are released from a second goroutine, so implementations must be safe
// for concurrent use.
type EventCallback func(protocol.Outbound)

// Run is the bookkeeping of one request from acceptance to its last event.
type Run struct {
	ID         string
	Kind       RunKind
	Input      string
	Transcript string
	Response   string
	Chunks     int

	started  time.Time
	span     oteltrace.Span
	released bool
}

// Pipeline processes one session's requests through STT → LLM → TTS, one run at a time.
type Pipeline struct {
	svc       *Services
	sessionID string
	tracer    *trace.Tracer
	state     atomic.Int32
}

// New creates a pipeline for a single session. tracer may be nil.
func New(svc *Services, sessionID string, tracer *trace.Tracer) *Pipeline {
	return &Pipeline{svc: svc, sessionID: sessionID, tracer: tracer}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Begin validates msg and claims the idle pipeline for it, moving to Recognizing for
// audio and Generating for chat. It returns a validation StageError for bad input and
// ErrBusy when a run is already in progress. Pings are not runs and are rejected.
func (p *Pipeline) Begin(msg protocol.Inbound) error {
	var next State
	switch m := msg.(type) {
	case *protocol.Audio:
		if err := ValidateAudio(m); err != nil {
			return err
		}
		next = StateRecognizing
	case *protocol.Chat:
		if err := ValidateChat(m); err != nil {
			return err
		}
		next = StateGenerating
	default:
		return fmt.Errorf("not a pipeline request: %T", msg)
	}

	if !p.state.CompareAndSwap(int32(StateIdle), int32(next)) {
		metrics.BusyRejections.Inc()
		return ErrBusy
	}
	return nil
}

// Run executes a request previously claimed with Begin.
func (p *Pipeline) Run(ctx context.Context, msg protocol.Inbound, emit EventCallback) error {
	switch m := msg.(type) {
	case *protocol.Audio:
		return p.RunVoice(ctx, m, emit)
	case *protocol.Chat:
		if m.Speak {
			return p.RunSpokenChat(ctx, m, emit)
		}
		return p.RunChat(ctx, m, emit)
	}
	p.setState(StateIdle)
	return fmt.Errorf("not a pipeline request: %T", msg)
}

// ValidateChat rejects a blank prompt.
func ValidateChat(msg *protocol.Chat) error {
	if strings.TrimSpace(msg.Prompt) == "" {
		metrics.Errors.WithLabelValues(string(StageInput), KindValidation.String()).Inc()
		return validationError(StageInput, MsgEmptyPrompt)
	}
	return nil
}

// ValidateAudio rejects an empty clip.
func ValidateAudio(msg *protocol.Audio) error {
	if len(msg.Data) == 0 {
		metrics.Errors.WithLabelValues(string(StageInput), KindValidation.String()).Inc()
		return validationError(StageInput, MsgNoAudio)
	}
	return nil
}

// RunVoice recognizes the clip, then generates and speaks a reply to the transcript.
func (p *Pipeline) RunVoice(ctx context.Context, msg *protocol.Audio, emit EventCallback) error {
	if err := ValidateAudio(msg); err != nil {
		p.setState(StateIdle)
		return err
	}
	metrics.AudioBytes.Add(float64(len(msg.Data)))

	ctx, run := p.startRun(ctx, RunKindVoice, fmt.Sprintf("audio_bytes=%d format=%s", len(msg.Data), msg.Format))
	err := p.runVoice(ctx, run, msg, emit)
	p.finishRun(run, err)
	return err
}

func (p *Pipeline) runVoice(ctx context.Context, run *Run, msg *protocol.Audio, emit EventCallback) error {
	clip, err := p.prepareClip(msg)
	if err != nil {
		return err
	}

	p.setState(StateRecognizing)
	transcript, err := p.recognize(ctx, run, clip, emit)
	if err != nil {
		return err
	}
	if transcript == "" {
		return validationError(StageSTT, MsgNoSpeech)
	}

	return p.generateSpoken(ctx, run, transcript, msg.Model, msg.Engine, emit)
}

// RunChat streams a text-only reply: start, token*, done.
func (p *Pipeline) RunChat(ctx context.Context, msg *protocol.Chat, emit EventCallback) error {
	if err := ValidateChat(msg); err != nil {
		p.setState(StateIdle)
		return err
	}
	prompt := strings.TrimSpace(msg.Prompt)

	ctx, run := p.startRun(ctx, RunKindChat, prompt)
	err := p.runChat(ctx, run, prompt, msg, emit)
	p.finishRun(run, err)
	return err
}

func (p *Pipeline) runChat(ctx context.Context, run *Run, prompt string, msg *protocol.Chat, emit EventCallback) error {
	p.setState(StateGenerating)
	emit(protocol.NewStart(prompt))

	llmCtx, end := p.startStage(ctx, run, StageLLM, prompt)
	llmCtx, cancel := withTimeout(llmCtx, p.svc.LLMTimeout)
	defer cancel()

	var response strings.Builder
	_, err := p.svc.LLM.Chat(llmCtx, prompt, p.svc.SystemPrompt, msg.Model, msg.Engine, func(token string) {
		response.WriteString(token)
		emit(protocol.NewToken(token))
	})
	if err != nil {
		se := adapterError(StageLLM, err, p.svc.LLMTimeout)
		end(response.String(), se)
		return se
	}

	run.Response = response.String()
	end(run.Response, nil)
	p.release(run, emit, protocol.NewDone(run.Response))
	return nil
}

// RunSpokenChat skips recognition and answers the prompt with the voice event sequence.
func (p *Pipeline) RunSpokenChat(ctx context.Context, msg *protocol.Chat, emit EventCallback) error {
	if err := ValidateChat(msg); err != nil {
		p.setState(StateIdle)
		return err
	}
	prompt := strings.TrimSpace(msg.Prompt)

	ctx, run := p.startRun(ctx, RunKindSpokenChat, prompt)
	err := p.generateSpoken(ctx, run, prompt, msg.Model, msg.Engine, emit)
	p.finishRun(run, err)
	return err
}

// prepareClip decodes raw-codec input into a gated 16 kHz WAV clip. Container
// formats are passed through for the recognizer to decode.
func (p *Pipeline) prepareClip(msg *protocol.Audio) ([]byte, error) {
	if !audio.IsRaw(msg.Format) {
		return msg.Data, nil
	}
	rate := msg.SampleRate
	if rate == 0 {
		rate = audio.TargetRate
	}
	clip, err := audio.PrepareClip(msg.Data, audio.Codec(msg.Format), rate, p.svc.SpeechGate)
	if errors.Is(err, audio.ErrSilent) {
		return nil, validationError(StageSTT, MsgNoSpeech)
	}
	if err != nil {
		return nil, validationError(StageInput, "Invalid audio data: "+err.Error())
	}
	return clip, nil
}

func (p *Pipeline) recognize(ctx context.Context, run *Run, clip []byte, emit EventCallback) (string, error) {
	emit(protocol.NewSTTStart())

	ctx, end := p.startStage(ctx, run, StageSTT, fmt.Sprintf("clip_bytes=%d", len(clip)))
	ctx, cancel := withTimeout(ctx, p.svc.ASRTimeout)
	defer cancel()

	var parts []string
	res, err := p.svc.ASR.Transcribe(ctx, clip, p.svc.ASREngine, func(seg Segment) {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			return
		}
		parts = append(parts, text)
		emit(protocol.NewSTTSegment(text, seg.Start, seg.End))
	})
	if err != nil {
		se := adapterError(StageSTT, err, p.svc.ASRTimeout)
		end("", se)
		return "", se
	}

	transcript := strings.Join(parts, " ")
	if len(parts) == 0 {
		transcript = strings.TrimSpace(res.Text)
	}
	run.Transcript = transcript
	end(transcript, nil)

	slog.Info("transcript", "session_id", p.sessionID, "run_id", run.ID, "text", transcript, "asr_ms", res.LatencyMs)
	emit(protocol.NewSTTDone(transcript))
	return transcript, nil
}

// generateSpoken streams the reply to prompt, cutting it into sentences that are
// synthesized while generation continues. llm_done is held back until every chunk
// has been released so the client sees all audio of the reply before it.
func (p *Pipeline) generateSpoken(ctx context.Context, run *Run, prompt, model, engine string, emit EventCallback) error {
	p.setState(StateGenerating)
	emit(protocol.NewLLMStart())
	emit(protocol.NewTTSStart())

	disp := NewDispatcher(p.svc.TTSLookahead,
		func(ctx context.Context, sentence string) ([]byte, error) {
			return p.synthesize(ctx, run, sentence)
		},
		func(index int, clip []byte, sentence string) {
			if index == 0 {
				metrics.FirstAudioDuration.Observe(time.Since(run.started).Seconds())
			}
			metrics.TTSChunks.Inc()
			emit(protocol.NewTTSChunk(index, clip, sentence))
		},
		func(sentence string, err error) {
			if ctx.Err() != nil {
				return
			}
			se := adapterError(StageTTS, err, p.svc.TTSTimeout)
			slog.Warn("tts chunk failed", "session_id", p.sessionID, "run_id", run.ID, "sentence", sentence, "error", err)
			emit(protocol.NewError(se.ClientMessage()))
		},
	)

	llmCtx, end := p.startStage(ctx, run, StageLLM, prompt)
	llmCtx, cancel := withTimeout(llmCtx, p.svc.LLMTimeout)

	var sb sentenceBuffer
	var response strings.Builder
	_, err := p.svc.LLM.Chat(llmCtx, prompt, p.svc.SystemPrompt, model, engine, func(token string) {
		response.WriteString(token)
		emit(protocol.NewLLMToken(token))
		if sentence := sb.Add(token); sentence != "" {
			disp.Dispatch(ctx, sentence)
		}
	})
	cancel()
	if err != nil {
		run.Chunks = disp.Wait()
		se := adapterError(StageLLM, err, p.svc.LLMTimeout)
		end(response.String(), se)
		return se
	}
	end(response.String(), nil)

	if sentence := sb.Flush(); sentence != "" {
		disp.Dispatch(ctx, sentence)
	}
	run.Chunks = disp.Wait()
	run.Response = response.String()

	emit(protocol.NewLLMDone(run.Response))
	emit(protocol.NewTTSDone(run.Chunks))
	p.release(run, emit, protocol.NewPipelineDone())
	return nil
}

func (p *Pipeline) synthesize(ctx context.Context, run *Run, sentence string) ([]byte, error) {
	ctx, end := p.startStage(ctx, run, StageTTS, sentence)
	ctx, cancel := withTimeout(ctx, p.svc.TTSTimeout)
	defer cancel()

	res, err := p.svc.TTS.Synthesize(ctx, sentence, p.svc.TTSEngine, p.svc.TTSOptions)
	if err != nil {
		end("", err)
		return nil, err
	}
	end(fmt.Sprintf("audio_bytes=%d", len(res.Audio)), nil)
	return res.Audio, nil
}

// release returns the pipeline to Idle and then emits the run's terminal event, so a
// client that answers it straight away is not refused as busy.
func (p *Pipeline) release(run *Run, emit EventCallback, last protocol.Outbound) {
	run.released = true
	p.setState(StateIdle)
	emit(last)
}

func (p *Pipeline) startRun(ctx context.Context, kind RunKind, input string) (context.Context, *Run) {
	run := &Run{ID: uuid.NewString(), Kind: kind, Input: input, started: time.Now()}
	ctx, run.span = tracer.Start(ctx, "run."+string(kind), oteltrace.WithAttributes(
		attribute.String("session.id", p.sessionID),
		attribute.String("run.id", run.ID),
	))
	p.tracer.StartRun(run.ID, string(kind), input)
	return ctx, run
}

func (p *Pipeline) finishRun(run *Run, err error) {
	elapsed := time.Since(run.started)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var se *StageError
		if errors.As(err, &se) {
			outcome = se.Kind.String()
		}
		run.span.RecordError(err)
		run.span.SetStatus(codes.Error, err.Error())
	}
	run.span.SetAttributes(attribute.Int("run.chunks", run.Chunks))
	run.span.End()
	if !run.released {
		p.setState(StateIdle)
	}

	metrics.RunsTotal.WithLabelValues(string(run.Kind), outcome).Inc()
	p.tracer.EndRun(run.ID, trace.RunResult{
		DurationMs: float64(elapsed.Milliseconds()),
		Transcript: run.Transcript,
		Response:   run.Response,
		Chunks:     run.Chunks,
		Status:     outcome,
	})
	slog.Info("run_done",
		"session_id", p.sessionID,
		"run_id", run.ID,
		"kind", run.Kind,
		"outcome", outcome,
		"chunks", run.Chunks,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// startStage opens an OpenTelemetry span for one stage call and returns a func that
// closes it, records latency and writes the trace span.
func (p *Pipeline) startStage(ctx context.Context, run *Run, stage Stage, input string) (context.Context, func(output string, err error)) {
	ctx, span := tracer.Start(ctx, string(stage), oteltrace.WithAttributes(attribute.String("run.id", run.ID)))
	start := time.Now()

	return ctx, func(output string, err error) {
		elapsed := time.Since(start)
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())

		rec := trace.Span{
			RunID:      run.ID,
			Name:       string(stage),
			StartedAt:  start,
			DurationMs: float64(elapsed.Milliseconds()),
			Input:      input,
			Output:     output,
			Status:     "ok",
		}
		if err != nil {
			rec.Status, rec.Error = "error", err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, rec.Error)
			metrics.Errors.WithLabelValues(string(stage), KindAdapter.String()).Inc()
		}
		span.End()
		p.tracer.RecordSpan(rec)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
