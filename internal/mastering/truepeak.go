package mastering

import (
	"math"

	"github.com/loqalabs/loqa-render/internal/audio"
)

const (
	oversample = 4
	// taps on each side of the interpolation point
	halfTaps = 8
)

// polyphase holds the windowed-sinc interpolation kernel, one row per
// fractional phase. Row 0 is the original sample.
var polyphase = func() [oversample][2 * halfTaps]float64 {
	var table [oversample][2 * halfTaps]float64
	for p := 0; p < oversample; p++ {
		frac := float64(p) / oversample
		var sum float64
		for j := 0; j < 2*halfTaps; j++ {
			k := j - halfTaps + 1
			x := frac - float64(k)
			v := 1.0
			if x != 0 {
				v = math.Sin(math.Pi*x) / (math.Pi * x)
			}
			v *= 0.5 + 0.5*math.Cos(math.Pi*x/halfTaps)
			table[p][j] = v
			sum += v
		}
		for j := range table[p] {
			table[p][j] /= sum
		}
	}
	return table
}()

// interpolate returns the reconstructed values between x[n] and x[n+1].
func interpolate(x []float32, n int, out *[oversample]float64) {
	for p := 0; p < oversample; p++ {
		var acc float64
		for j := 0; j < 2*halfTaps; j++ {
			idx := n + j - halfTaps + 1
			if idx < 0 || idx >= len(x) {
				continue
			}
			acc += float64(x[idx]) * polyphase[p][j]
		}
		out[p] = acc
	}
}

// peakEnvelope returns, per frame, the largest reconstructed magnitude on
// either channel between that frame and the next.
func peakEnvelope(st *audio.Stem) []float64 {
	env := make([]float64, st.Frames())
	var buf [oversample]float64
	for _, ch := range [][]float32{st.L, st.R} {
		for n := range ch {
			interpolate(ch, n, &buf)
			m := math.Abs(float64(ch[n]))
			for _, v := range buf[1:] {
				m = math.Max(m, math.Abs(v))
			}
			env[n] = math.Max(env[n], m)
		}
	}
	return env
}

// TruePeak returns the linear inter-sample peak of st, 4x oversampled.
func TruePeak(st *audio.Stem) float64 {
	var peak float64
	for _, v := range peakEnvelope(st) {
		peak = math.Max(peak, v)
	}
	return peak
}
