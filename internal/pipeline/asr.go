package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// Segment is one recognized span of speech with offsets in seconds.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SegmentCallback is called for each recognized segment, in production order.
type SegmentCallback func(seg Segment)

// ASRTranscriber produces transcriptions from an encoded audio clip.
type ASRTranscriber interface {
	Transcribe(ctx context.Context, clip []byte, onSegment SegmentCallback) (*ASRResult, error)
}

// ASRResult holds the transcription output.
type ASRResult struct {
	Text      string  `json:"text"`
	Language  string  `json:"language,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// ASRRouter dispatches to the correct ASR backend based on engine name.
// Wraps the generic Router with an ASR-specific Transcribe convenience method.
type ASRRouter struct {
	*Router[ASRTranscriber]
}

// NewASRRouter creates a router with registered ASR backends and a fallback default.
func NewASRRouter(backends map[string]ASRTranscriber, fallback string) *ASRRouter {
	return &ASRRouter{Router: NewRouter(backends, fallback)}
}

// Transcribe routes to the correct backend and transcribes the clip.
func (r *ASRRouter) Transcribe(ctx context.Context, clip []byte, engine string, onSegment SegmentCallback) (*ASRResult, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Transcribe(ctx, clip, onSegment)
}

// --- whisper.cpp server backend ---

// WhisperServerClient uploads the clip as multipart form data to a whisper.cpp-compatible
// server and reads the verbose JSON response, which carries per-segment timings.
type WhisperServerClient struct {
	url      string
	endpoint string
	language string
	client   *http.Client
}

// NewWhisperServerClient creates a client for whisper.cpp (/inference endpoint).
func NewWhisperServerClient(url, language string, client *http.Client) *WhisperServerClient {
	return &WhisperServerClient{
		url:      url,
		endpoint: "/inference",
		language: language,
		client:   client,
	}
}

// Transcribe sends the clip and reports each non-empty segment through onSegment.
func (c *WhisperServerClient) Transcribe(ctx context.Context, clip []byte, onSegment SegmentCallback) (*ASRResult, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(clip, c.language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create whisper request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := send(c.client, req, "stt", "whisper")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result whisperVerboseResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode whisper response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("whisper: %s", result.Error)
	}

	for _, seg := range result.Segments {
		if onSegment != nil {
			onSegment(Segment{Text: seg.Text, Start: seg.Start, End: seg.End})
		}
	}

	return &ASRResult{
		Text:      result.Text,
		Language:  result.Language,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}

type whisperVerboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
	Error    string           `json:"error"`
}

type whisperSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func buildMultipartAudio(clip []byte, language string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(clip); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0.0",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err = writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

// --- OpenAI-compatible backend ---

// OpenAITranscriber calls the audio transcription endpoint of OpenAI or any compatible server.
// The endpoint returns a transcript without timings, so it is reported as a single segment.
type OpenAITranscriber struct {
	client openai.Client
	model  string
}

// NewOpenAITranscriber creates a transcriber. An empty baseURL targets api.openai.com.
func NewOpenAITranscriber(apiKey, baseURL, model string, httpClient *http.Client) *OpenAITranscriber {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAITranscriber{client: openai.NewClient(opts...), model: model}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, clip []byte, onSegment SegmentCallback) (*ASRResult, error) {
	start := time.Now()

	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(clip), "audio.wav", "audio/wav"),
		Model: openai.AudioModel(t.model),
	})
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "http").Inc()
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	latency := time.Since(start)
	if onSegment != nil && resp.Text != "" {
		onSegment(Segment{Text: resp.Text})
	}

	return &ASRResult{
		Text:      resp.Text,
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}
