package audio

import (
	"math"
	"slices"
)

// SpeechGate decides whether a whole clip contains enough voiced audio to be worth
// sending to recognition. It measures energy over fixed frames and counts the loud ones.
type SpeechGate struct {
	ThresholdDB float64 // frame energy at or above this counts as speech
	FrameMs     int
	MinSpeechMs int // total voiced duration required
}

// DefaultSpeechGate returns the thresholds used for 16 kHz telephone-grade input.
func DefaultSpeechGate() SpeechGate {
	return SpeechGate{
		ThresholdDB: -40,
		FrameMs:     20,
		MinSpeechMs: 100,
	}
}

// HasSpeech reports whether samples at sampleRate contain at least MinSpeechMs of
// frames whose energy reaches ThresholdDB.
func (g SpeechGate) HasSpeech(samples []float32, sampleRate int) bool {
	frameLen := sampleRate * g.FrameMs / 1000
	if frameLen <= 0 || len(samples) == 0 {
		return false
	}
	// Compare mean power against the threshold in the linear domain.
	floor := math.Pow(10, g.ThresholdDB/10)

	voiced := 0
	for frame := range slices.Chunk(samples, frameLen) {
		if meanPower(frame) >= floor {
			voiced += len(frame)
		}
	}
	return voiced*1000 >= g.MinSpeechMs*sampleRate
}

func meanPower(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(frame))
}
