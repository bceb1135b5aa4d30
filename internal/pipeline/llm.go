package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// LLMChatClient produces streaming chat completions from a user message.
type LLMChatClient interface {
	Chat(ctx context.Context, userMessage, systemPrompt, model string, onToken TokenCallback) (*LLMResult, error)
}

// LLMResult holds the complete LLM response with timing.
type LLMResult struct {
	Text               string  `json:"text"`
	Thinking           string  `json:"thinking,omitempty"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// tokenStream collects one streamed completion. Visible text is forwarded as it
// arrives; reasoning text is kept aside and never spoken.
type tokenStream struct {
	onToken  TokenCallback
	start    time.Time
	first    time.Time
	text     strings.Builder
	thinking strings.Builder
}

func newTokenStream(onToken TokenCallback) *tokenStream {
	return &tokenStream{onToken: onToken, start: time.Now()}
}

func (s *tokenStream) token(tok string) {
	if tok == "" {
		return
	}
	if s.first.IsZero() {
		s.first = time.Now()
	}
	if s.onToken != nil {
		s.onToken(tok)
	}
	s.text.WriteString(tok)
}

func (s *tokenStream) think(tok string) { s.thinking.WriteString(tok) }

func (s *tokenStream) result() *LLMResult {
	res := &LLMResult{
		Text:      s.text.String(),
		Thinking:  s.thinking.String(),
		LatencyMs: float64(time.Since(s.start).Milliseconds()),
	}
	if !s.first.IsZero() {
		res.TimeToFirstTokenMs = float64(s.first.Sub(s.start).Milliseconds())
	}
	return res
}

// chatMessage is the role/content pair shared by the raw chat backends.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// maxStreamLine bounds a single NDJSON or SSE line from an LLM backend.
const maxStreamLine = 1 << 20

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	return sc
}

// errStreamDone stops line iteration once the backend signals the end of a completion.
var errStreamDone = errors.New("stream done")

// --- Ollama backend ---

// OllamaLLMClient streams chat completions from Ollama's /api/chat, one JSON object per line.
type OllamaLLMClient struct {
	url          string
	model        string
	systemPrompt string
	maxTokens    int
	client       *http.Client
}

// NewOllamaLLMClient creates an Ollama HTTP client. The request context bounds each call,
// so the shared client should carry no overall timeout of its own.
func NewOllamaLLMClient(url, model, systemPrompt string, maxTokens int, client *http.Client) *OllamaLLMClient {
	return &OllamaLLMClient{
		url:          url,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       client,
	}
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
	Options  struct {
		NumPredict int `json:"num_predict"`
	} `json:"options"`
}

// Chat sends a user message to Ollama and streams the response. Empty systemPrompt and
// model fall back to the client's defaults.
func (c *OllamaLLMClient) Chat(ctx context.Context, userMessage, systemPrompt, model string, onToken TokenCallback) (*LLMResult, error) {
	payload := ollamaChatRequest{
		Model:  pick(model, c.model),
		Stream: true,
		Messages: []chatMessage{
			{Role: "system", Content: pick(systemPrompt, c.systemPrompt)},
			{Role: "user", Content: userMessage},
		},
	}
	payload.Options.NumPredict = c.maxTokens

	req, err := newJSONRequest(ctx, c.url+"/api/chat", payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	stream := newTokenStream(onToken)
	resp, err := send(c.client, req, "llm", "ollama")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	sc := newLineScanner(resp.Body)
	for sc.Scan() {
		if err := readOllamaLine(sc.Bytes(), stream); err != nil {
			if errors.Is(err, errStreamDone) {
				break
			}
			metrics.Errors.WithLabelValues("llm", "stream").Inc()
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, fmt.Errorf("read ollama stream: %w", err)
	}
	return stream.result(), nil
}

// readOllamaLine applies one stream line. Lines that are not JSON are skipped.
func readOllamaLine(line []byte, stream *tokenStream) error {
	if !gjson.ValidBytes(line) {
		return nil
	}
	chunk := gjson.ParseBytes(line)
	if msg := chunk.Get("error").String(); msg != "" {
		return fmt.Errorf("ollama: %s", msg)
	}
	if chunk.Get("done").Bool() {
		return errStreamDone
	}
	stream.think(chunk.Get("message.thinking").String())
	stream.token(chunk.Get("message.content").String())
	return nil
}

// llmBackend pairs a chat client with the model used when a request names none.
type llmBackend struct {
	client LLMChatClient
	model  string
}

// LLMRouter dispatches chat requests by engine name. Unlike ASR and TTS, the engine
// and model are chosen per request.
type LLMRouter struct {
	*Router[llmBackend]
	maxTokens int
}

// NewLLMRouter creates an empty router. maxTokens caps completions of SDK-backed engines.
func NewLLMRouter(fallback string, maxTokens int) *LLMRouter {
	return &LLMRouter{Router: NewRouter(map[string]llmBackend{}, fallback), maxTokens: maxTokens}
}

// AddClient registers a direct chat client under engine.
func (r *LLMRouter) AddClient(engine string, client LLMChatClient, defaultModel string) {
	r.Register(engine, llmBackend{client: client, model: defaultModel})
}

// AddProvider registers an openai-agents-go model provider under engine.
func (r *LLMRouter) AddProvider(engine string, provider agents.ModelProvider, defaultModel string) {
	r.AddClient(engine, &agentClient{provider: provider, maxTokens: r.maxTokens}, defaultModel)
}

// DefaultModel returns the model a request to engine uses when it names none.
func (r *LLMRouter) DefaultModel(engine string) string {
	b, _ := r.Route(engine)
	return b.model
}

// Chat streams a completion from the engine's backend.
func (r *LLMRouter) Chat(ctx context.Context, userMessage, systemPrompt, model, engine string, onToken TokenCallback) (*LLMResult, error) {
	b, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return b.client.Chat(ctx, userMessage, systemPrompt, pick(model, b.model), onToken)
}
