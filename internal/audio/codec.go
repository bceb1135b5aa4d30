package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec names a raw sample encoding a client may send instead of a container file.
type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// telephonyRate is the fixed sample rate of both G.711 variants.
const telephonyRate = 8000

// IsRaw reports whether format names a supported raw codec.
// Empty or container formats ("wav", "webm", ...) are passed to recognition untouched.
func IsRaw(format string) bool {
	switch Codec(format) {
	case CodecPCM, CodecG711Ulaw, CodecG711Alaw:
		return true
	}
	return false
}

// Decode converts encoded bytes to mono samples in [-1, 1] and reports their rate.
// sampleRate is only consulted for PCM; G.711 is always 8 kHz.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	switch codec {
	case CodecG711Ulaw:
		return ulaw.decode(data), telephonyRate, nil
	case CodecG711Alaw:
		return alaw.decode(data), telephonyRate, nil
	case CodecPCM:
		if sampleRate <= 0 {
			return nil, 0, fmt.Errorf("sample rate required for %s", codec)
		}
		return decodePCM(data), sampleRate, nil
	}
	return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
}

// decodePCM reads 16-bit little-endian samples. A trailing odd byte is ignored.
func decodePCM(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) / math.MaxInt16
	}
	return out
}
