package pipeline

import (
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
)

// Services is the process-wide container of adapters and settings shared by every
// session. It is built once at startup and must not be mutated afterwards.
type Services struct {
	ASR *ASRRouter
	LLM *LLMRouter
	TTS *TTSRouter

	// ASREngine and TTSEngine are fixed per deployment; the LLM engine is chosen per request.
	ASREngine  string
	TTSEngine  string
	TTSOptions TTSOptions

	SystemPrompt string
	SpeechGate   audio.SpeechGate

	// TTSLookahead is how many sentences may synthesize concurrently. 1 synthesizes inline.
	TTSLookahead int

	ASRTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration
}

// MediaType is the encoding of every tts_chunk produced by this deployment.
func (s *Services) MediaType() string {
	return s.TTS.MediaType(s.TTSEngine)
}
