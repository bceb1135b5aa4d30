package protocol

import "encoding/json"

// Outbound is a server message. Values are built by the New* constructors
// and never mutated afterwards.
type Outbound interface {
	OutboundType() Type
}

// Encode serializes an outbound message into a text frame.
func Encode(m Outbound) ([]byte, error) {
	return json.Marshal(m)
}

// Start opens a /ws/chat reply and echoes the prompt.
type Start struct {
	Type   Type   `json:"type"`
	Prompt string `json:"prompt"`
}

// Token is one streamed fragment of a /ws/chat reply.
type Token struct {
	Type    Type   `json:"type"`
	Content string `json:"content"`
}

// Done closes a /ws/chat reply with the full text.
type Done struct {
	Type         Type   `json:"type"`
	FullResponse string `json:"full_response"`
}

// Error reports a failure the client can show as is.
type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// STTSegment is one timed transcript fragment; Start and End are seconds
// from the beginning of the clip.
type STTSegment struct {
	Type    Type    `json:"type"`
	Content string  `json:"content"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// STTDone carries the joined transcript once recognition finishes.
type STTDone struct {
	Type           Type   `json:"type"`
	FullTranscript string `json:"full_transcript"`
}

// LLMToken is one streamed fragment of a voice reply.
type LLMToken struct {
	Type    Type   `json:"type"`
	Content string `json:"content"`
}

// LLMDone carries the full generated reply.
type LLMDone struct {
	Type         Type   `json:"type"`
	FullResponse string `json:"full_response"`
}

// TTSChunk is the synthesized audio for one sentence. Audio is base64 on
// the wire; Index is contiguous from 0 within a run.
type TTSChunk struct {
	Type     Type   `json:"type"`
	Audio    []byte `json:"audio"`
	Index    int    `json:"index"`
	Sentence string `json:"sentence"`
}

// TTSDone reports how many chunks the run produced.
type TTSDone struct {
	Type        Type `json:"type"`
	TotalChunks int  `json:"total_chunks"`
}

// Signal is a payload-free marker (stt_start, llm_start, tts_start,
// pipeline_done, pong).
type Signal struct {
	Type Type `json:"type"`
}

// NewStart builds the opening event of a chat reply.
func NewStart(prompt string) Start { return Start{Type: TypeStart, Prompt: prompt} }

// NewToken wraps one chat reply fragment.
func NewToken(content string) Token { return Token{Type: TypeToken, Content: content} }

// NewDone builds the closing event of a chat reply.
func NewDone(full string) Done { return Done{Type: TypeDone, FullResponse: full} }

// NewError builds an error event carrying a client-facing message.
func NewError(message string) Error { return Error{Type: TypeError, Message: message} }

// NewLLMToken wraps one voice reply fragment.
func NewLLMToken(content string) LLMToken { return LLMToken{Type: TypeLLMToken, Content: content} }

// NewLLMDone carries the full voice reply.
func NewLLMDone(full string) LLMDone { return LLMDone{Type: TypeLLMDone, FullResponse: full} }

// NewTTSDone reports the number of chunks sent.
func NewTTSDone(total int) TTSDone { return TTSDone{Type: TypeTTSDone, TotalChunks: total} }

// NewSTTDone carries the joined transcript.
func NewSTTDone(transcript string) STTDone {
	return STTDone{Type: TypeSTTDone, FullTranscript: transcript}
}

// NewSTTSegment builds a timed transcript fragment.
func NewSTTSegment(content string, start, end float64) STTSegment {
	return STTSegment{Type: TypeSTTSegment, Content: content, Start: start, End: end}
}

// NewTTSChunk wraps the audio synthesized for sentence at position index.
func NewTTSChunk(index int, audio []byte, sentence string) TTSChunk {
	return TTSChunk{Type: TypeTTSChunk, Audio: audio, Index: index, Sentence: sentence}
}

// Marker constructors.
func NewSTTStart() Signal     { return Signal{Type: TypeSTTStart} }
func NewLLMStart() Signal     { return Signal{Type: TypeLLMStart} }
func NewTTSStart() Signal     { return Signal{Type: TypeTTSStart} }
func NewPipelineDone() Signal { return Signal{Type: TypePipelineDone} }
func NewPong() Signal         { return Signal{Type: TypePong} }

func (m Start) OutboundType() Type      { return m.Type }
func (m Token) OutboundType() Type      { return m.Type }
func (m Done) OutboundType() Type       { return m.Type }
func (m Error) OutboundType() Type      { return m.Type }
func (m STTSegment) OutboundType() Type { return m.Type }
func (m STTDone) OutboundType() Type    { return m.Type }
func (m LLMToken) OutboundType() Type   { return m.Type }
func (m LLMDone) OutboundType() Type    { return m.Type }
func (m TTSChunk) OutboundType() Type   { return m.Type }
func (m TTSDone) OutboundType() Type    { return m.Type }
func (m Signal) OutboundType() Type     { return m.Type }
