package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// TTSOptions holds per-call TTS tuning parameters.
type TTSOptions struct {
	Speed    float64
	Voice    string
	Language string
}

// TTSSynthesizer produces audio from text. MediaType names the encoding of every clip it returns.
type TTSSynthesizer interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
	MediaType() string
}

// TTSResult holds synthesized audio with timing.
type TTSResult struct {
	Audio     []byte  `json:"-"`
	LatencyMs float64 `json:"latency_ms"`
}

// TTSRouter dispatches to the correct TTS backend based on engine name.
// Wraps the generic Router with a TTS-specific Synthesize method that adds timing/metrics.
type TTSRouter struct {
	*Router[TTSSynthesizer]
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]TTSSynthesizer, fallback string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback)}
}

// Synthesize routes to the correct backend, synthesizes audio, and records latency metrics.
func (r *TTSRouter) Synthesize(ctx context.Context, text, engine string, opts TTSOptions) (*TTSResult, error) {
	start := time.Now()

	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}

	audioData, err := backend.SynthesizeAudio(ctx, text, opts)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return nil, err
	}
	if len(audioData) == 0 {
		metrics.Errors.WithLabelValues("tts", "empty").Inc()
		return nil, errors.New("tts returned no audio")
	}

	return &TTSResult{
		Audio:     audioData,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}

// MediaType reports the audio encoding produced by the given engine.
func (r *TTSRouter) MediaType(engine string) string {
	backend, err := r.Route(engine)
	if err != nil {
		return ""
	}
	return backend.MediaType()
}

// pick returns override when set, otherwise fallback.
func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// --- Piper backend (local neural TTS via piper-tts, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiperSynthesizer(baseURL, voice string, client *http.Client) TTSSynthesizer {
	return &piperSynthesizer{url: baseURL, voice: voice, client: client}
}

func (p *piperSynthesizer) MediaType() string { return "audio/wav" }

// piperRequest speaks piper's length_scale, the inverse of a speed factor.
type piperRequest struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	LengthScale float64 `json:"length_scale,omitempty"`
}

func (p *piperSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	payload := piperRequest{Text: text, Voice: pick(opts.Voice, p.voice)}
	if opts.Speed > 0 {
		payload.LengthScale = 1 / opts.Speed
	}
	req, err := newJSONRequest(ctx, p.url+"/synthesize", payload)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
	}
	return fetch(p.client, req, "tts", "piper")
}

// --- OpenAI-compatible backend (OpenAI, Kokoro, Orpheus: any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	client openai.Client
	model  string
	voice  string
}

// NewOpenAISynthesizer creates a speech client. An empty baseURL targets api.openai.com.
func NewOpenAISynthesizer(apiKey, baseURL, model, voice string, httpClient *http.Client) TTSSynthesizer {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiSynthesizer{client: openai.NewClient(opts...), model: model, voice: voice}
}

func (o *openaiSynthesizer) MediaType() string { return "audio/wav" }

func (o *openaiSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.model),
		Voice:          openai.AudioSpeechNewParamsVoice(pick(opts.Voice, o.voice)),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if opts.Speed > 0 {
		params.Speed = openai.Float(opts.Speed)
	}

	resp, err := o.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai speech: %w", err)
	}
	return audio, nil
}

// --- ElevenLabs backend (cloud API, returns MP3) ---

type elevenlabsSynthesizer struct {
	url     string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabsSynthesizer(baseURL, apiKey, voiceID, modelID string, client *http.Client) TTSSynthesizer {
	return &elevenlabsSynthesizer{
		url:     pick(baseURL, "https://api.elevenlabs.io"),
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: modelID,
		client:  client,
	}
}

func (e *elevenlabsSynthesizer) MediaType() string { return "audio/mpeg" }

type elevenlabsRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	LanguageCode string `json:"language_code,omitempty"`
}

func (e *elevenlabsSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	endpoint := e.url + "/v1/text-to-speech/" + url.PathEscape(pick(opts.Voice, e.voiceID))
	req, err := newJSONRequest(ctx, endpoint, elevenlabsRequest{Text: text, ModelID: e.modelID, LanguageCode: opts.Language})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")
	return fetch(e.client, req, "tts", "elevenlabs")
}

// --- MeloTTS backend (self-hosted multilingual TTS) ---

type meloSynthesizer struct {
	url    string
	client *http.Client
}

func NewMeloSynthesizer(baseURL string, client *http.Client) TTSSynthesizer {
	return &meloSynthesizer{url: baseURL, client: client}
}

func (m *meloSynthesizer) MediaType() string { return "audio/wav" }

type meloRequest struct {
	Text      string  `json:"text"`
	Speed     float64 `json:"speed"`
	Language  string  `json:"language"`
	SpeakerID string  `json:"speaker_id"`
}

// SynthesizeAudio defaults to English at normal speed with the language's default speaker.
func (m *meloSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	payload := meloRequest{Text: text, Speed: opts.Speed, Language: strings.ToUpper(pick(opts.Language, "en"))}
	if payload.Speed <= 0 {
		payload.Speed = 1
	}
	payload.SpeakerID = pick(opts.Voice, payload.Language+"-Default")

	req, err := newJSONRequest(ctx, m.url+"/convert/tts", payload)
	if err != nil {
		return nil, fmt.Errorf("melo: %w", err)
	}
	return fetch(m.client, req, "tts", "melo")
}
