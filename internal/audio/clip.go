package audio

import (
	"errors"
	"fmt"
)

// TargetRate is the sample rate recognition backends expect.
const TargetRate = 16000

// ErrSilent is returned by PrepareClip when the gate finds no speech in the clip.
var ErrSilent = errors.New("audio: no speech in clip")

// PrepareClip turns a raw-codec payload into a 16 kHz mono WAV clip ready for upload.
// Clips that fail the gate return ErrSilent.
func PrepareClip(data []byte, codec Codec, sampleRate int, gate SpeechGate) ([]byte, error) {
	samples, srcRate, err := Decode(data, codec, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	resampled := ConvertRate(samples, srcRate, TargetRate)
	if !gate.HasSpeech(resampled, TargetRate) {
		return nil, ErrSilent
	}
	return EncodeWAV(resampled, TargetRate), nil
}
