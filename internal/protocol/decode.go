package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Decode parses one text frame into an Inbound message. Any failure is
// returned as a *ProtocolError whose Message is safe to echo to the client.
func Decode(frame []byte) (Inbound, error) {
	if !gjson.ValidBytes(frame) {
		return nil, &ProtocolError{Message: "Invalid JSON message"}
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, &ProtocolError{Message: "Invalid message: expected a JSON object"}
	}

	typ := root.Get("type")
	if !typ.Exists() || typ.String() == "" {
		return nil, &ProtocolError{Message: "Missing message type"}
	}

	switch Type(typ.String()) {
	case TypePing:
		return &Ping{}, nil
	case TypeChat:
		var m Chat
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, &ProtocolError{Message: "Invalid chat message: " + err.Error()}
		}
		return &m, nil
	case TypeAudio:
		var m Audio
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, &ProtocolError{Message: "Invalid audio data: " + err.Error()}
		}
		return &m, nil
	default:
		return nil, &ProtocolError{Message: "Unknown message type: " + typ.String()}
	}
}
