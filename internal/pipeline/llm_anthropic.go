package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

const anthropicVersion = "2023-06-01"

// AnthropicLLMClient streams chat completions from the Anthropic Messages API over SSE.
type AnthropicLLMClient struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropicLLMClient creates an Anthropic streaming client. An empty baseURL targets
// api.anthropic.com.
func NewAnthropicLLMClient(apiKey, baseURL, model string, maxTokens int, client *http.Client) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		apiKey:    apiKey,
		url:       pick(baseURL, "https://api.anthropic.com"),
		model:     model,
		maxTokens: maxTokens,
		client:    client,
	}
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

func (c *AnthropicLLMClient) Chat(ctx context.Context, userMessage, systemPrompt, model string, onToken TokenCallback) (*LLMResult, error) {
	req, err := newJSONRequest(ctx, c.url+"/v1/messages", anthropicRequest{
		Model:     pick(model, c.model),
		MaxTokens: c.maxTokens,
		Stream:    true,
		System:    systemPrompt,
		Messages:  []chatMessage{{Role: "user", Content: userMessage}},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	stream := newTokenStream(onToken)
	resp, err := send(c.client, req, "llm", "anthropic")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := readAnthropicEvents(resp.Body, stream); err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, err
	}
	return stream.result(), nil
}

// readAnthropicEvents consumes server-sent events until message_stop or EOF.
func readAnthropicEvents(body io.Reader, stream *tokenStream) error {
	sc := newLineScanner(body)
	var event string
	for sc.Scan() {
		field, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok {
			continue
		}
		switch field {
		case "event":
			event = value
		case "data":
			if err := applyAnthropicEvent(event, value, stream); err != nil {
				if errors.Is(err, errStreamDone) {
					return nil
				}
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read anthropic stream: %w", err)
	}
	return nil
}

func applyAnthropicEvent(event, data string, stream *tokenStream) error {
	switch event {
	case "message_stop":
		return errStreamDone
	case "error":
		e := gjson.Get(data, "error")
		if msg := e.Get("message").String(); msg != "" {
			return fmt.Errorf("anthropic %s: %s", e.Get("type").String(), msg)
		}
		return fmt.Errorf("anthropic stream error: %s", data)
	case "content_block_delta":
		delta := gjson.Get(data, "delta")
		if delta.Get("type").String() == "thinking_delta" {
			stream.think(delta.Get("thinking").String())
			return nil
		}
		stream.token(delta.Get("text").String())
	}
	return nil
}
