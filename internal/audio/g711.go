package audio

import "math"

// g711Table maps every G.711 code word to its linear sample in [-1, 1].
type g711Table [256]float32

func (t *g711Table) decode(data []byte) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = t[b]
	}
	return out
}

var (
	ulaw = buildG711(ulawLinear)
	alaw = buildG711(alawLinear)
)

func buildG711(expand func(byte) int16) *g711Table {
	var t g711Table
	for code := range len(t) {
		t[code] = float32(expand(byte(code))) / math.MaxInt16
	}
	return &t
}

// ulawLinear expands a mu-law code word (ITU-T G.711, bias 0x84).
func ulawLinear(code byte) int16 {
	code = ^code
	seg := (code & 0x70) >> 4
	mag := (int16(code&0x0F)<<3 + 0x84) << seg
	if code&0x80 != 0 {
		return 0x84 - mag
	}
	return mag - 0x84
}

// alawLinear expands an A-law code word. Even bits arrive inverted.
func alawLinear(code byte) int16 {
	code ^= 0x55
	seg := (code & 0x70) >> 4
	mag := int16(code&0x0F) << 4
	switch seg {
	case 0:
		mag += 8
	case 1:
		mag += 0x108
	default:
		mag = (mag + 0x108) << (seg - 1)
	}
	if code&0x80 != 0 {
		return mag
	}
	return -mag
}
