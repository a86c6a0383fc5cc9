package mastering

import (
	"math"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

const (
	lookahead      = 0.005
	limiterRelease = 0.100
)

// limit applies a lookahead brickwall limiter so that the reconstructed peak
// stays at or below ceiling (linear). It returns the deepest reduction in dB.
//
// The required gain per frame is spread by a sliding minimum over the
// lookahead window on both sides, smoothed with a centered moving average of
// half that width, and then allowed to recover no faster than the release.
// Each stage can only lower the gain, so no frame exceeds its requirement.
func limit(st *audio.Stem, ceiling float64) float64 {
	n := st.Frames()
	if n == 0 {
		return 0
	}
	env := peakEnvelope(st)
	need := make([]float64, n)
	over := false
	for i, p := range env {
		need[i] = 1
		if p > ceiling {
			need[i] = ceiling / p
			over = true
		}
	}
	if !over {
		return 0
	}
	w := max(1, audio.FramesFor(lookahead, st.SampleRate))
	gain := movingAverage(slidingMin(need, w), w/2)

	rel := dsp.TimeCoefficient(limiterRelease, st.SampleRate)
	lowest := 1.0
	g := gain[0]
	for i := range gain {
		if gain[i] < g {
			g = gain[i]
		} else {
			g = math.Min(gain[i], rel*g+(1-rel)*gain[i])
		}
		lowest = math.Min(lowest, g)
		st.L[i] = float32(float64(st.L[i]) * g)
		st.R[i] = float32(float64(st.R[i]) * g)
	}
	return -audio.LevelDB(lowest)
}

// slidingMin returns min(x[i-r .. i+r]) using a monotonic deque.
func slidingMin(x []float64, r int) []float64 {
	n := len(x)
	out := make([]float64, n)
	deque := make([]int, 0, 2*r+1)
	next := 0
	for i := 0; i < n; i++ {
		for ; next < n && next <= i+r; next++ {
			for len(deque) > 0 && x[deque[len(deque)-1]] >= x[next] {
				deque = deque[:len(deque)-1]
			}
			deque = append(deque, next)
		}
		for deque[0] < i-r {
			deque = deque[1:]
		}
		out[i] = x[deque[0]]
	}
	return out
}

// movingAverage returns the mean of x[i-r .. i+r], clamped at the edges.
func movingAverage(x []float64, r int) []float64 {
	n := len(x)
	prefix := make([]float64, n+1)
	for i, v := range x {
		prefix[i+1] = prefix[i] + v
	}
	out := make([]float64, n)
	for i := range x {
		lo, hi := max(0, i-r), min(n, i+r+1)
		out[i] = (prefix[hi] - prefix[lo]) / float64(hi-lo)
	}
	return out
}
