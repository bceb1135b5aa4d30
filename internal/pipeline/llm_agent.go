package pipeline

import (
	"context"
	"fmt"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

// NewOpenAIProvider builds a chat-completions provider for OpenAI or any compatible server
// (vLLM, llama.cpp, LM Studio). An empty baseURL targets api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{UseResponses: param.NewOpt(false)}
	if apiKey != "" {
		params.APIKey = param.NewOpt(apiKey)
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return agents.NewOpenAIProvider(params)
}

// agentClient runs a single-turn, tool-less agent so SDK providers satisfy LLMChatClient.
type agentClient struct {
	provider  agents.ModelProvider
	maxTokens int
}

func (c *agentClient) Chat(ctx context.Context, userMessage, systemPrompt, model string, onToken TokenCallback) (*LLMResult, error) {
	agent := agents.New("voice-assistant").
		WithInstructions(systemPrompt).
		WithModel(model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(c.maxTokens)),
		})
	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   c.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	stream := newTokenStream(onToken)
	events, errCh, err := runner.RunStreamedChan(ctx, agent, userMessage)
	if err != nil {
		return nil, fmt.Errorf("llm stream start: %w", err)
	}
	for ev := range events {
		if raw, ok := ev.(agents.RawResponsesStreamEvent); ok && raw.Data.Type == "response.output_text.delta" {
			stream.token(raw.Data.Delta)
		}
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("llm stream: %w", err)
	}
	return stream.result(), nil
}
