// Package protocol defines the JSON messages exchanged over the gateway's
// WebSocket endpoints. Every frame is a JSON object with a "type"
// discriminator; fields a receiver does not recognize are ignored.
package protocol

// Type is the value of a message's "type" discriminator.
type Type string

// Inbound (client → server) kinds.
const (
	TypeChat  Type = "chat"
	TypeAudio Type = "audio"
	TypePing  Type = "ping"
)

// Outbound (server → client) kinds.
const (
	TypeStart        Type = "start"
	TypeToken        Type = "token"
	TypeDone         Type = "done"
	TypeError        Type = "error"
	TypeSTTStart     Type = "stt_start"
	TypeSTTSegment   Type = "stt_segment"
	TypeSTTDone      Type = "stt_done"
	TypeLLMStart     Type = "llm_start"
	TypeLLMToken     Type = "llm_token"
	TypeLLMDone      Type = "llm_done"
	TypeTTSStart     Type = "tts_start"
	TypeTTSChunk     Type = "tts_chunk"
	TypeTTSDone      Type = "tts_done"
	TypePipelineDone Type = "pipeline_done"
	TypePong         Type = "pong"
)

// Inbound is a decoded client message: *Chat, *Audio or *Ping.
type Inbound interface {
	InboundType() Type
}

// Chat asks for a generated reply to Prompt. With Speak set the reply is
// also synthesized, following the voice pipeline's event sequence.
type Chat struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Engine string `json:"engine,omitempty"`
	Speak  bool   `json:"speak,omitempty"`
}

// Audio carries one encoded utterance. Data is base64 on the wire.
// Format and SampleRate describe headerless input (pcm, g711_ulaw,
// g711_alaw); an empty Format means a self-describing container such as WAV.
type Audio struct {
	Data       []byte `json:"data"`
	Model      string `json:"model,omitempty"`
	Engine     string `json:"engine,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Ping is a keep-alive probe answered with Pong.
type Ping struct{}

func (*Chat) InboundType() Type  { return TypeChat }
func (*Audio) InboundType() Type { return TypeAudio }
func (*Ping) InboundType() Type  { return TypePing }

// ProtocolError reports a frame that could not be decoded. Message is sent
// to the client verbatim.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }
