package main

import (
	"log/slog"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/env"
	"github.com/hubenschmidt/voice-gateway/internal/prompts"
)

type config struct {
	port     string
	logLevel slog.Level

	ollamaURL       string
	llmEngine       string
	llmModel        string
	llmSystemPrompt string
	llmMaxTokens    int
	llmPreload      bool
	openaiAPIKey    string
	openaiBaseURL   string
	openaiLLMModel  string
	anthropicAPIKey string
	anthropicModel  string

	asrEngine        string
	whisperServerURL string
	asrLanguage      string
	openaiASRModel   string

	ttsEngine         string
	piperURL          string
	piperVoice        string
	openaiTTSModel    string
	openaiTTSVoice    string
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string
	melottsURL        string
	ttsLanguage       string
	ttsSpeed          float64
	ttsLookahead      int

	asrTimeout time.Duration
	llmTimeout time.Duration
	ttsTimeout time.Duration

	asrPoolSize int
	llmPoolSize int
	ttsPoolSize int

	speechGate audio.SpeechGate

	maxConcurrentSessions int
	readLimit             int64
	pingInterval          time.Duration
	writeTimeout          time.Duration
	shutdownTimeout       time.Duration

	traceDatabaseURL string
}

func loadConfig() config {
	gate := audio.DefaultSpeechGate()
	gate.ThresholdDB = env.Float("SPEECH_THRESHOLD_DB", gate.ThresholdDB)
	gate.MinSpeechMs = env.Int("SPEECH_MIN_MS", gate.MinSpeechMs)

	return config{
		port:     env.Str("GATEWAY_PORT", "8000"),
		logLevel: parseLevel(env.Str("LOG_LEVEL", "info")),

		ollamaURL:       env.Str("OLLAMA_URL", "http://localhost:11434"),
		llmEngine:       env.Str("LLM_ENGINE", "ollama"),
		llmModel:        env.Str("LLM_MODEL", "llama3.2:1b"),
		llmSystemPrompt: prompts.Resolve(env.Str("LLM_SYSTEM_PROMPT", "")),
		llmMaxTokens:    env.Int("LLM_MAX_TOKENS", 150),
		llmPreload:      env.Bool("LLM_PRELOAD", false),
		openaiAPIKey:    env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:   env.Str("OPENAI_BASE_URL", ""),
		openaiLLMModel:  env.Str("OPENAI_LLM_MODEL", "gpt-4o-mini"),
		anthropicAPIKey: env.Str("ANTHROPIC_API_KEY", ""),
		anthropicModel:  env.Str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),

		asrEngine:        env.Str("ASR_ENGINE", "whisper-server"),
		whisperServerURL: env.Str("WHISPER_SERVER_URL", "http://localhost:8080"),
		asrLanguage:      env.Str("ASR_LANGUAGE", "en"),
		openaiASRModel:   env.Str("OPENAI_ASR_MODEL", "whisper-1"),

		ttsEngine:         env.Str("TTS_ENGINE", "piper"),
		piperURL:          env.Str("PIPER_URL", "http://localhost:5100"),
		piperVoice:        env.Str("PIPER_VOICE", "en_US-lessac-medium"),
		openaiTTSModel:    env.Str("OPENAI_TTS_MODEL", "tts-1"),
		openaiTTSVoice:    env.Str("OPENAI_TTS_VOICE", "alloy"),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		melottsURL:        env.Str("MELOTTS_URL", ""),
		ttsLanguage:       env.Str("TTS_LANGUAGE", "en"),
		ttsSpeed:          env.Float("TTS_SPEED", 0),
		ttsLookahead:      env.Int("TTS_LOOKAHEAD", 1),

		asrTimeout: env.Duration("ASR_TIMEOUT", 30*time.Second),
		llmTimeout: env.Duration("LLM_TIMEOUT", 60*time.Second),
		ttsTimeout: env.Duration("TTS_TIMEOUT", 30*time.Second),

		asrPoolSize: env.Int("ASR_POOL_SIZE", 50),
		llmPoolSize: env.Int("LLM_POOL_SIZE", 50),
		ttsPoolSize: env.Int("TTS_POOL_SIZE", 50),

		speechGate: gate,

		maxConcurrentSessions: env.Int("MAX_CONCURRENT_SESSIONS", 100),
		readLimit:             int64(env.Int("WS_READ_LIMIT_BYTES", 16<<20)),
		pingInterval:          env.Duration("WS_PING_INTERVAL", 30*time.Second),
		writeTimeout:          env.Duration("WS_WRITE_TIMEOUT", 10*time.Second),
		shutdownTimeout:       env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		traceDatabaseURL: env.Str("TRACE_DATABASE_URL", ""),
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
