package audio

import "math"

// sincZeroCrossings is how many lobes of the interpolation kernel are kept on each side.
const sincZeroCrossings = 8

// ConvertRate resamples mono samples from srcRate to dstRate. Every output sample is
// a Hann-windowed sinc interpolation of the input, band-limited to the lower of the two
// Nyquist frequencies so downsampling does not alias.
func ConvertRate(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	step := float64(srcRate) / float64(dstRate)
	// cutoff in cycles per input sample
	cutoff := 0.5
	if step > 1 {
		cutoff /= step
	}
	reach := float64(sincZeroCrossings) / (2 * cutoff)

	out := make([]float32, len(samples)*dstRate/srcRate)
	for i := range out {
		pos := float64(i) * step
		lo := max(0, int(math.Ceil(pos-reach)))
		hi := min(len(samples)-1, int(math.Floor(pos+reach)))

		var acc, weight float64
		for j := lo; j <= hi; j++ {
			w := sincTap(pos-float64(j), cutoff, reach)
			acc += w * float64(samples[j])
			weight += w
		}
		if weight != 0 {
			out[i] = float32(acc / weight)
		}
	}
	return out
}

// sincTap is the kernel weight for an input sample dist samples away from the output position.
func sincTap(dist, cutoff, reach float64) float64 {
	if math.Abs(dist) >= reach {
		return 0
	}
	x := 2 * cutoff * dist
	s := 1.0
	if x != 0 {
		s = math.Sin(math.Pi*x) / (math.Pi * x)
	}
	hann := 0.5 + 0.5*math.Cos(math.Pi*dist/reach)
	return s * hann
}
