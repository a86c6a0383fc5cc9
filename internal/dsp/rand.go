package dsp

import "math/rand/v2"

// NewRand returns a deterministic generator for seed. Two generators built
// from the same seed yield identical sequences on every platform.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Bipolar draws a uniform sample in [-1, 1).
func Bipolar(r *rand.Rand) float64 {
	return r.Float64()*2 - 1
}

// Range draws a uniform sample in [lo, hi).
func Range(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

// Poisson reports whether an event with the given rate (events per second)
// fires in one sample period.
func Poisson(r *rand.Rand, rate float64, sampleRate int) bool {
	if rate <= 0 {
		return false
	}
	return r.Float64() < rate/float64(sampleRate)
}
