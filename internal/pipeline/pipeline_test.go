package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/protocol"
)

type fakeASR struct {
	segments []Segment
	text     string
	err      error
	calls    int
}

func (f *fakeASR) Transcribe(_ context.Context, _ []byte, onSegment SegmentCallback) (*ASRResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	for _, s := range f.segments {
		onSegment(s)
	}
	return &ASRResult{Text: f.text}, nil
}

type fakeLLM struct {
	tokens []string
	err    error
	block  bool

	gotPrompt string
	gotSystem string
	gotModel  string
}

func (f *fakeLLM) Chat(ctx context.Context, userMessage, systemPrompt, model string, onToken TokenCallback) (*LLMResult, error) {
	f.gotPrompt, f.gotSystem, f.gotModel = userMessage, systemPrompt, model
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, tok := range f.tokens {
		onToken(tok)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &LLMResult{Text: strings.Join(f.tokens, "")}, nil
}

type fakeTTS struct {
	fail  map[string]bool
	delay map[string]time.Duration
}

func (f *fakeTTS) MediaType() string { return "audio/wav" }

func (f *fakeTTS) SynthesizeAudio(ctx context.Context, text string, _ TTSOptions) ([]byte, error) {
	if d := f.delay[text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[text] {
		return nil, errors.New("synthesis backend unavailable")
	}
	return []byte("wav:" + text), nil
}

func newTestServices(asr ASRTranscriber, llm LLMChatClient, tts TTSSynthesizer) *Services {
	agent := NewLLMRouter("fake", 64)
	agent.AddClient("fake", llm, "test-model")
	return &Services{
		ASR:          NewASRRouter(map[string]ASRTranscriber{"fake": asr}, "fake"),
		LLM:          agent,
		TTS:          NewTTSRouter(map[string]TTSSynthesizer{"fake": tts}, "fake"),
		ASREngine:    "fake",
		TTSEngine:    "fake",
		SystemPrompt: "be brief",
		SpeechGate:   audio.DefaultSpeechGate(),
		TTSLookahead: 1,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Outbound
}

func (l *eventLog) emit(m protocol.Outbound) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, m)
}

func (l *eventLog) types() []protocol.Type {
	out := make([]protocol.Type, len(l.events))
	for i, e := range l.events {
		out[i] = e.OutboundType()
	}
	return out
}

func (l *eventLog) chunks() []protocol.TTSChunk {
	var out []protocol.TTSChunk
	for _, e := range l.events {
		if c, ok := e.(protocol.TTSChunk); ok {
			out = append(out, c)
		}
	}
	return out
}

func assertTypes(t *testing.T, got, want []protocol.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event types:\n got  %v\n want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s\n got  %v\n want %v", i, got[i], want[i], got, want)
		}
	}
}

func assertClientMessage(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if got := ClientMessage(err); got != want {
		t.Fatalf("client message: got %q want %q", got, want)
	}
}

func TestRunVoiceHappyPath(t *testing.T) {
	asr := &fakeASR{segments: []Segment{{Text: " What's up", Start: 0, End: 0.8}, {Text: "  ", Start: 0.8, End: 1}, {Text: "today? ", Start: 1, End: 1.6}}}
	llm := &fakeLLM{tokens: []string{"Hello", ".", " How", " are", " you", "?"}}
	p := New(newTestServices(asr, llm, &fakeTTS{}), "sess", nil)

	log := &eventLog{}
	if err := p.RunVoice(context.Background(), &protocol.Audio{Data: []byte("RIFF....")}, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	assertTypes(t, log.types(), []protocol.Type{
		protocol.TypeSTTStart, protocol.TypeSTTSegment, protocol.TypeSTTSegment, protocol.TypeSTTDone,
		protocol.TypeLLMStart, protocol.TypeTTSStart,
		protocol.TypeLLMToken, protocol.TypeLLMToken, protocol.TypeTTSChunk,
		protocol.TypeLLMToken, protocol.TypeLLMToken, protocol.TypeLLMToken, protocol.TypeLLMToken, protocol.TypeTTSChunk,
		protocol.TypeLLMDone, protocol.TypeTTSDone, protocol.TypePipelineDone,
	})

	if seg := log.events[1].(protocol.STTSegment); seg.Content != "What's up" || seg.End != 0.8 {
		t.Fatalf("segment: %+v", seg)
	}
	if done := log.events[3].(protocol.STTDone); done.FullTranscript != "What's up today?" {
		t.Fatalf("transcript: %q", done.FullTranscript)
	}
	chunks := log.chunks()
	if chunks[0].Index != 0 || chunks[0].Sentence != "Hello." || !bytes.Equal(chunks[0].Audio, []byte("wav:Hello.")) {
		t.Fatalf("chunk 0: %+v", chunks[0])
	}
	if chunks[1].Index != 1 || chunks[1].Sentence != "How are you?" {
		t.Fatalf("chunk 1: %+v", chunks[1])
	}
	n := len(log.events)
	if done := log.events[n-3].(protocol.LLMDone); done.FullResponse != "Hello. How are you?" {
		t.Fatalf("llm_done: %q", done.FullResponse)
	}
	if done := log.events[n-2].(protocol.TTSDone); done.TotalChunks != 2 {
		t.Fatalf("tts_done: %d", done.TotalChunks)
	}

	if llm.gotPrompt != "What's up today?" || llm.gotSystem != "be brief" || llm.gotModel != "test-model" {
		t.Fatalf("llm call: prompt=%q system=%q model=%q", llm.gotPrompt, llm.gotSystem, llm.gotModel)
	}
	if p.State() != StateIdle {
		t.Fatalf("state after run: %s", p.State())
	}
}

func TestRunVoiceSkipsFailedSentence(t *testing.T) {
	asr := &fakeASR{segments: []Segment{{Text: "Tell me three things"}}}
	llm := &fakeLLM{tokens: []string{"First one here.", " Second one here.", " Third one here."}}
	tts := &fakeTTS{fail: map[string]bool{"Second one here.": true}}
	p := New(newTestServices(asr, llm, tts), "sess", nil)

	log := &eventLog{}
	if err := p.RunVoice(context.Background(), &protocol.Audio{Data: []byte{1}}, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	chunks := log.chunks()
	if len(chunks) != 2 {
		t.Fatalf("chunks: %+v", chunks)
	}
	if chunks[0].Index != 0 || chunks[0].Sentence != "First one here." {
		t.Fatalf("chunk 0: %+v", chunks[0])
	}
	if chunks[1].Index != 1 || chunks[1].Sentence != "Third one here." {
		t.Fatalf("chunk 1: %+v", chunks[1])
	}

	var errMsgs []string
	for _, e := range log.events {
		if m, ok := e.(protocol.Error); ok {
			errMsgs = append(errMsgs, m.Message)
		}
	}
	if len(errMsgs) != 1 || errMsgs[0] != "TTS error: synthesis backend unavailable" {
		t.Fatalf("error events: %q", errMsgs)
	}

	n := len(log.events)
	if done := log.events[n-2].(protocol.TTSDone); done.TotalChunks != 2 {
		t.Fatalf("tts_done: %d", done.TotalChunks)
	}
	if log.events[n-1].OutboundType() != protocol.TypePipelineDone {
		t.Fatalf("last event: %s", log.events[n-1].OutboundType())
	}
}

func TestRunVoiceNoSpeech(t *testing.T) {
	asr := &fakeASR{text: "   "}
	llm := &fakeLLM{tokens: []string{"unused"}}
	p := New(newTestServices(asr, llm, &fakeTTS{}), "sess", nil)

	log := &eventLog{}
	err := p.RunVoice(context.Background(), &protocol.Audio{Data: []byte{1, 2}}, log.emit)
	assertClientMessage(t, err, MsgNoSpeech)
	assertTypes(t, log.types(), []protocol.Type{protocol.TypeSTTStart, protocol.TypeSTTDone})
	if llm.gotPrompt != "" {
		t.Fatalf("llm should not be called")
	}
}

func TestRunVoiceUsesTranscriptWithoutSegments(t *testing.T) {
	asr := &fakeASR{text: " Good morning "}
	llm := &fakeLLM{tokens: []string{"Morning to you!"}}
	p := New(newTestServices(asr, llm, &fakeTTS{}), "sess", nil)

	log := &eventLog{}
	if err := p.RunVoice(context.Background(), &protocol.Audio{Data: []byte{1}}, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if llm.gotPrompt != "Good morning" {
		t.Fatalf("prompt: %q", llm.gotPrompt)
	}
}

func TestRunVoiceErrors(t *testing.T) {
	tests := []struct {
		name      string
		msg       *protocol.Audio
		asr       *fakeASR
		llm       *fakeLLM
		want      string
		wantTypes []protocol.Type
	}{
		{
			name: "empty audio",
			msg:  &protocol.Audio{},
			asr:  &fakeASR{},
			llm:  &fakeLLM{},
			want: MsgNoAudio,
		},
		{
			name:      "recognition failure",
			msg:       &protocol.Audio{Data: []byte{1}},
			asr:       &fakeASR{err: errors.New("whisper status 500: boom")},
			llm:       &fakeLLM{},
			want:      "STT error: whisper status 500: boom",
			wantTypes: []protocol.Type{protocol.TypeSTTStart},
		},
		{
			name: "generation failure",
			msg:  &protocol.Audio{Data: []byte{1}},
			asr:  &fakeASR{segments: []Segment{{Text: "hi"}}},
			llm:  &fakeLLM{tokens: []string{"Par"}, err: errors.New("connection refused")},
			want: "LLM error: connection refused",
			wantTypes: []protocol.Type{
				protocol.TypeSTTStart, protocol.TypeSTTSegment, protocol.TypeSTTDone,
				protocol.TypeLLMStart, protocol.TypeTTSStart, protocol.TypeLLMToken,
			},
		},
		{
			name: "silent raw pcm",
			msg:  &protocol.Audio{Data: make([]byte, 16000), Format: "pcm", SampleRate: 16000},
			asr:  &fakeASR{},
			llm:  &fakeLLM{},
			want: MsgNoSpeech,
		},
		{
			name: "raw pcm without usable rate",
			msg:  &protocol.Audio{Data: make([]byte, 16), Format: "pcm", SampleRate: -1},
			asr:  &fakeASR{},
			llm:  &fakeLLM{},
			want: "Invalid audio data: decode: sample rate required for pcm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(newTestServices(tt.asr, tt.llm, &fakeTTS{}), "sess", nil)
			log := &eventLog{}
			err := p.RunVoice(context.Background(), tt.msg, log.emit)
			assertClientMessage(t, err, tt.want)
			assertTypes(t, log.types(), tt.wantTypes)
			if p.State() != StateIdle {
				t.Fatalf("state after failure: %s", p.State())
			}
		})
	}
}

func TestRunChat(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"Hi", " there"}}
	p := New(newTestServices(&fakeASR{}, llm, &fakeTTS{}), "sess", nil)

	log := &eventLog{}
	if err := p.RunChat(context.Background(), &protocol.Chat{Prompt: "  hello ", Model: "other"}, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTypes(t, log.types(), []protocol.Type{protocol.TypeStart, protocol.TypeToken, protocol.TypeToken, protocol.TypeDone})
	if start := log.events[0].(protocol.Start); start.Prompt != "hello" {
		t.Fatalf("start prompt: %q", start.Prompt)
	}
	if done := log.events[3].(protocol.Done); done.FullResponse != "Hi there" {
		t.Fatalf("done: %q", done.FullResponse)
	}
	if llm.gotModel != "other" {
		t.Fatalf("model override ignored: %q", llm.gotModel)
	}
}

func TestRunChatErrors(t *testing.T) {
	p := New(newTestServices(&fakeASR{}, &fakeLLM{}, &fakeTTS{}), "sess", nil)
	log := &eventLog{}
	assertClientMessage(t, p.RunChat(context.Background(), &protocol.Chat{Prompt: " \n "}, log.emit), MsgEmptyPrompt)
	if len(log.events) != 0 {
		t.Fatalf("events for rejected prompt: %v", log.types())
	}

	svc := newTestServices(&fakeASR{}, &fakeLLM{block: true}, &fakeTTS{})
	svc.LLMTimeout = 20 * time.Millisecond
	p = New(svc, "sess", nil)
	err := p.RunChat(context.Background(), &protocol.Chat{Prompt: "hi"}, log.emit)
	if err == nil || !strings.HasPrefix(ClientMessage(err), "LLM error: timed out after 20ms") {
		t.Fatalf("timeout error: %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Kind != KindAdapter || se.Stage != StageLLM {
		t.Fatalf("stage error: %#v", err)
	}
}

func TestRunSpokenChat(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"Sure thing, friend."}}
	p := New(newTestServices(&fakeASR{}, llm, &fakeTTS{}), "sess", nil)

	log := &eventLog{}
	if err := p.Run(context.Background(), &protocol.Chat{Prompt: "say hi", Speak: true}, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTypes(t, log.types(), []protocol.Type{
		protocol.TypeLLMStart, protocol.TypeTTSStart, protocol.TypeLLMToken, protocol.TypeTTSChunk,
		protocol.TypeLLMDone, protocol.TypeTTSDone, protocol.TypePipelineDone,
	})
}

func TestFlushSpeaksTrailingText(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"No punctuation at the end"}}
	p := New(newTestServices(&fakeASR{}, llm, &fakeTTS{}), "sess", nil)

	log := &eventLog{}
	if err := p.RunSpokenChat(context.Background(), &protocol.Chat{Prompt: "go"}, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	chunks := log.chunks()
	if len(chunks) != 1 || chunks[0].Sentence != "No punctuation at the end" {
		t.Fatalf("chunks: %+v", chunks)
	}
}

func TestLookaheadKeepsChunkOrder(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"Slow sentence one.", " Quick sentence two.", " Medium sentence three."}}
	tts := &fakeTTS{delay: map[string]time.Duration{
		"Slow sentence one.":     40 * time.Millisecond,
		"Quick sentence two.":    time.Millisecond,
		"Medium sentence three.": 10 * time.Millisecond,
	}}
	svc := newTestServices(&fakeASR{}, llm, tts)
	svc.TTSLookahead = 3
	p := New(svc, "sess", nil)

	log := &eventLog{}
	if err := p.RunSpokenChat(context.Background(), &protocol.Chat{Prompt: "go"}, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"Slow sentence one.", "Quick sentence two.", "Medium sentence three."}
	chunks := log.chunks()
	if len(chunks) != len(want) {
		t.Fatalf("chunks: %+v", chunks)
	}
	for i, c := range chunks {
		if c.Index != i || c.Sentence != want[i] {
			t.Fatalf("chunk %d: %+v", i, c)
		}
	}

	types := log.types()
	lastChunk, llmDone := -1, -1
	for i, typ := range types {
		switch typ {
		case protocol.TypeTTSChunk:
			lastChunk = i
		case protocol.TypeLLMDone:
			llmDone = i
		}
	}
	if llmDone < lastChunk {
		t.Fatalf("llm_done before last chunk: %v", types)
	}
}

func TestBeginBusy(t *testing.T) {
	p := New(newTestServices(&fakeASR{}, &fakeLLM{tokens: []string{"ok"}}, &fakeTTS{}), "sess", nil)

	chat := &protocol.Chat{Prompt: "hi"}
	if err := p.Begin(chat); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if p.State() != StateGenerating {
		t.Fatalf("state: %s", p.State())
	}
	assertClientMessage(t, p.Begin(&protocol.Audio{Data: []byte{1}}), MsgBusy)

	log := &eventLog{}
	if err := p.Run(context.Background(), chat, log.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.State() != StateIdle {
		t.Fatalf("state after run: %s", p.State())
	}
	if err := p.Begin(&protocol.Audio{Data: []byte{1}}); err != nil {
		t.Fatalf("begin after idle: %v", err)
	}
	if p.State() != StateRecognizing {
		t.Fatalf("state: %s", p.State())
	}
}

func TestBeginValidatesBeforeClaiming(t *testing.T) {
	p := New(newTestServices(&fakeASR{}, &fakeLLM{}, &fakeTTS{}), "sess", nil)
	assertClientMessage(t, p.Begin(&protocol.Chat{Prompt: ""}), MsgEmptyPrompt)
	assertClientMessage(t, p.Begin(&protocol.Audio{}), MsgNoAudio)
	if p.State() != StateIdle {
		t.Fatalf("rejected input changed state: %s", p.State())
	}
	if err := p.Begin(&protocol.Ping{}); err == nil {
		t.Fatalf("ping should not start a run")
	}
}

func TestIdleBeforeTerminalEvent(t *testing.T) {
	tests := []struct {
		name     string
		msg      protocol.Inbound
		terminal protocol.Type
	}{
		{"chat", &protocol.Chat{Prompt: "hi"}, protocol.TypeDone},
		{"spoken chat", &protocol.Chat{Prompt: "hi", Speak: true}, protocol.TypePipelineDone},
		{"voice", &protocol.Audio{Data: []byte("RIFF")}, protocol.TypePipelineDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asr := &fakeASR{segments: []Segment{{Text: "Hello"}}}
			p := New(newTestServices(asr, &fakeLLM{tokens: []string{"Fine, thanks."}}, &fakeTTS{}), "sess", nil)
			if err := p.Begin(tt.msg); err != nil {
				t.Fatalf("begin: %v", err)
			}

			var stateAtTerminal State = -1
			err := p.Run(context.Background(), tt.msg, func(m protocol.Outbound) {
				if m.OutboundType() == tt.terminal {
					stateAtTerminal = p.State()
				}
			})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if stateAtTerminal != StateIdle {
				t.Fatalf("state when %s was emitted: %s", tt.terminal, stateAtTerminal)
			}
		})
	}
}

func TestCancelledSynthesisEmitsNoError(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"This sentence never finishes."}}
	tts := &fakeTTS{delay: map[string]time.Duration{"This sentence never finishes.": 5 * time.Second}}
	p := New(newTestServices(&fakeASR{}, llm, tts), "sess", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	log := &eventLog{}
	p.RunSpokenChat(ctx, &protocol.Chat{Prompt: "go"}, log.emit)

	log.mu.Lock()
	defer log.mu.Unlock()
	for _, e := range log.events {
		if m, ok := e.(protocol.Error); ok && strings.HasPrefix(m.Message, "TTS error") {
			t.Fatalf("cancelled run emitted %q", m.Message)
		}
	}
	if n := len(log.chunks()); n != 0 {
		t.Fatalf("chunks after cancel: %d", n)
	}
}
