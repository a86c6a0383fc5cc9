// Package mastering brings a mixed bus to a target integrated loudness under
// a true-peak ceiling and converts it to the delivery format.
package mastering

import (
	"math"
	"sort"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

const (
	absoluteGate   = -70.0
	relativeGate   = -10.0
	lraRelGate     = -20.0
	subBlock       = 0.1 // gating hop in seconds
	momentaryHops  = 4   // 400 ms blocks
	shortTermHops  = 30  // 3 s blocks
	loudnessOffset = -0.691
)

// kWeighting returns the BS.1770 pre-filter (high shelf then RLB high-pass)
// designed for the given sample rate.
func kWeighting(sampleRate int) dsp.Chain {
	fs := float64(sampleRate)

	f0, g, q := 1681.974450955533, 3.999843853973347, 0.7071752369554196
	k := math.Tan(math.Pi * f0 / fs)
	vh := math.Pow(10, g/20)
	vb := math.Pow(vh, 0.4996667741545416)
	a0 := 1 + k/q + k*k
	shelf := dsp.NewBiquad(
		(vh+vb*k/q+k*k)/a0,
		2*(k*k-vh)/a0,
		(vh-vb*k/q+k*k)/a0,
		2*(k*k-1)/a0,
		(1-k/q+k*k)/a0,
	)

	f0, q = 38.13547087602444, 0.5003270373238773
	k = math.Tan(math.Pi * f0 / fs)
	a0 = 1 + k/q + k*k
	highpass := dsp.NewBiquad(1, -2, 1, 2*(k*k-1)/a0, (1-k/q+k*k)/a0)

	return dsp.Chain{shelf, highpass}
}

// hopEnergy returns the K-weighted mean-square energy (summed over both
// channels) of each consecutive 100 ms hop.
func hopEnergy(st *audio.Stem) []float64 {
	hop := max(1, audio.FramesFor(subBlock, st.SampleRate))
	lf, rf := kWeighting(st.SampleRate), kWeighting(st.SampleRate)
	hops := make([]float64, 0, st.Frames()/hop+1)
	var sum float64
	n := 0
	for i := range st.L {
		l := lf.Process(float64(st.L[i]))
		r := rf.Process(float64(st.R[i]))
		sum += l*l + r*r
		n++
		if n == hop {
			hops = append(hops, sum/float64(hop))
			sum, n = 0, 0
		}
	}
	if len(hops) == 0 && n > 0 {
		hops = append(hops, sum/float64(n))
	}
	return hops
}

// blocks averages windows of size consecutive hops, one per hop. Signals
// shorter than a window yield a single block over everything available.
func blocks(hops []float64, size int) []float64 {
	if len(hops) == 0 {
		return nil
	}
	if len(hops) < size {
		var sum float64
		for _, h := range hops {
			sum += h
		}
		return []float64{sum / float64(len(hops))}
	}
	out := make([]float64, 0, len(hops)-size+1)
	var sum float64
	for i, h := range hops {
		sum += h
		if i >= size {
			sum -= hops[i-size]
		}
		if i >= size-1 {
			out = append(out, sum/float64(size))
		}
	}
	return out
}

func energyToLUFS(z float64) float64 {
	if z <= 0 {
		return math.Inf(-1)
	}
	return loudnessOffset + 10*math.Log10(z)
}

func lufsToEnergy(l float64) float64 {
	return math.Pow(10, (l-loudnessOffset)/10)
}

// gated returns the blocks above the absolute gate and above the relative
// gate rel LU below their mean.
func gated(energies []float64, rel float64) []float64 {
	absThreshold := lufsToEnergy(absoluteGate)
	var kept []float64
	var sum float64
	for _, z := range energies {
		if z > absThreshold {
			kept = append(kept, z)
			sum += z
		}
	}
	if len(kept) == 0 {
		return nil
	}
	relThreshold := lufsToEnergy(energyToLUFS(sum/float64(len(kept))) + rel)
	out := kept[:0]
	for _, z := range kept {
		if z > relThreshold {
			out = append(out, z)
		}
	}
	return out
}

// Integrated measures ITU-R BS.1770-4 gated loudness in LUFS. Silence
// measures -Inf.
func Integrated(st *audio.Stem) float64 {
	return integratedFromHops(hopEnergy(st))
}

func integratedFromHops(hops []float64) float64 {
	kept := gated(blocks(hops, momentaryHops), relativeGate)
	if len(kept) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, z := range kept {
		sum += z
	}
	return energyToLUFS(sum / float64(len(kept)))
}

// loudnessRange is EBU Tech 3342 LRA: the spread between the 10th and 95th
// percentile of gated short-term loudness.
func loudnessRange(hops []float64) float64 {
	kept := gated(blocks(hops, shortTermHops), lraRelGate)
	if len(kept) < 2 {
		return 0
	}
	levels := make([]float64, len(kept))
	for i, z := range kept {
		levels[i] = energyToLUFS(z)
	}
	sort.Float64s(levels)
	pct := func(p float64) float64 {
		return levels[int(math.Round(p*float64(len(levels)-1)))]
	}
	return pct(0.95) - pct(0.10)
}

// Measurement is a loudness and peak analysis of one stem.
type Measurement struct {
	IntegratedLUFS float64
	RangeLU        float64
	TruePeakDBTP   float64
	SamplePeakDB   float64
}

func Measure(st *audio.Stem) Measurement {
	hops := hopEnergy(st)
	return Measurement{
		IntegratedLUFS: integratedFromHops(hops),
		RangeLU:        loudnessRange(hops),
		TruePeakDBTP:   audio.LinearToDB(TruePeak(st)),
		SamplePeakDB:   audio.LinearToDB(st.Peak()),
	}
}
