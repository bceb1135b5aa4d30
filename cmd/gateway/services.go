package main

import (
	"fmt"
	"log/slog"

	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
)

// buildServices wires every configured backend into the shared container. Engines
// whose endpoint or key is missing are left out; the configured default engine
// for each stage must be among the registered ones.
func buildServices(cfg config) (*pipeline.Services, error) {
	// Stage timeouts bound each call through its context, so the clients carry none.
	asrHTTP := pipeline.NewPooledHTTPClient(cfg.asrPoolSize, 0)
	llmHTTP := pipeline.NewPooledHTTPClient(cfg.llmPoolSize, 0)
	ttsHTTP := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, 0)

	asrBackends := map[string]pipeline.ASRTranscriber{}
	if cfg.whisperServerURL != "" {
		asrBackends["whisper-server"] = pipeline.NewWhisperServerClient(cfg.whisperServerURL, cfg.asrLanguage, asrHTTP)
	}
	if cfg.openaiAPIKey != "" {
		asrBackends["openai"] = pipeline.NewOpenAITranscriber(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiASRModel, asrHTTP)
	}
	asr := pipeline.NewASRRouter(asrBackends, cfg.asrEngine)
	if !asr.Has(cfg.asrEngine) {
		return nil, fmt.Errorf("asr engine %q is not configured (available: %v)", cfg.asrEngine, asr.Engines())
	}

	llm := pipeline.NewLLMRouter(cfg.llmEngine, cfg.llmMaxTokens)
	if cfg.ollamaURL != "" {
		llm.AddClient("ollama", pipeline.NewOllamaLLMClient(cfg.ollamaURL, cfg.llmModel, cfg.llmSystemPrompt, cfg.llmMaxTokens, llmHTTP), cfg.llmModel)
	}
	if cfg.openaiAPIKey != "" {
		llm.AddProvider("openai", pipeline.NewOpenAIProvider(cfg.openaiAPIKey, cfg.openaiBaseURL), cfg.openaiLLMModel)
	}
	if cfg.anthropicAPIKey != "" {
		llm.AddClient("anthropic", pipeline.NewAnthropicLLMClient(cfg.anthropicAPIKey, "", cfg.anthropicModel, cfg.llmMaxTokens, llmHTTP), cfg.anthropicModel)
	}
	if !llm.Has(cfg.llmEngine) {
		return nil, fmt.Errorf("llm engine %q is not configured (available: %v)", cfg.llmEngine, llm.Engines())
	}

	ttsBackends := map[string]pipeline.TTSSynthesizer{}
	if cfg.piperURL != "" {
		ttsBackends["piper"] = pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperVoice, ttsHTTP)
	}
	if cfg.openaiAPIKey != "" {
		ttsBackends["openai"] = pipeline.NewOpenAISynthesizer(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiTTSModel, cfg.openaiTTSVoice, ttsHTTP)
	}
	if cfg.elevenlabsAPIKey != "" {
		ttsBackends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer("", cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, ttsHTTP)
	}
	if cfg.melottsURL != "" {
		ttsBackends["melotts"] = pipeline.NewMeloSynthesizer(cfg.melottsURL, ttsHTTP)
	}
	tts := pipeline.NewTTSRouter(ttsBackends, cfg.ttsEngine)
	if !tts.Has(cfg.ttsEngine) {
		return nil, fmt.Errorf("tts engine %q is not configured (available: %v)", cfg.ttsEngine, tts.Engines())
	}

	lookahead := cfg.ttsLookahead
	if lookahead < 1 {
		slog.Warn("tts lookahead below 1, using 1", "configured", lookahead)
		lookahead = 1
	}

	return &pipeline.Services{
		ASR:       asr,
		LLM:       llm,
		TTS:       tts,
		ASREngine: cfg.asrEngine,
		TTSEngine: cfg.ttsEngine,
		TTSOptions: pipeline.TTSOptions{
			Speed:    cfg.ttsSpeed,
			Language: cfg.ttsLanguage,
		},
		SystemPrompt: cfg.llmSystemPrompt,
		SpeechGate:   cfg.speechGate,
		TTSLookahead: lookahead,
		ASRTimeout:   cfg.asrTimeout,
		LLMTimeout:   cfg.llmTimeout,
		TTSTimeout:   cfg.ttsTimeout,
	}, nil
}
