package audio

import (
	"math"
)

// DBToLinear converts decibels to a linear amplitude multiplier.
func DBToLinear(db float64) float64 {
	if db == 0 {
		return 1
	}
	return math.Pow(10, db/20)
}

// LinearToDB converts a linear amplitude to decibels. Silence maps to -Inf.
func LinearToDB(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}

// SilenceDB is the floor used when a level is reported rather than computed
// with, so reports never carry -Inf.
const SilenceDB = -144.0

// LevelDB is LinearToDB clamped at SilenceDB.
func LevelDB(v float64) float64 {
	return math.Max(LinearToDB(v), SilenceDB)
}

// ApplyFades applies a raised-cosine fade in and fade out. When the two fades
// do not fit in the stem they are shortened proportionally.
func ApplyFades(s *Stem, fadeIn, fadeOut float64) {
	n := s.Frames()
	if n == 0 {
		return
	}
	in := FramesFor(math.Max(fadeIn, 0), s.SampleRate)
	out := FramesFor(math.Max(fadeOut, 0), s.SampleRate)
	if in+out > n {
		total := float64(in + out)
		in = int(float64(n) * float64(in) / total)
		out = n - in
	}
	for i := 0; i < in; i++ {
		g := float32(0.5 - 0.5*math.Cos(math.Pi*float64(i)/float64(in)))
		s.L[i] *= g
		s.R[i] *= g
	}
	for i := 0; i < out; i++ {
		g := float32(0.5 - 0.5*math.Cos(math.Pi*float64(i)/float64(out)))
		j := n - 1 - i
		s.L[j] *= g
		s.R[j] *= g
	}
}

// CheckFinite fails with a NumericError on the first NaN or Inf sample.
func CheckFinite(s *Stem) error {
	for i := range s.L {
		if v := float64(s.L[i]); math.IsNaN(v) || math.IsInf(v, 0) {
			return &NumericError{Stem: s.Name, Channel: "L", Index: i, Value: v}
		}
		if v := float64(s.R[i]); math.IsNaN(v) || math.IsInf(v, 0) {
			return &NumericError{Stem: s.Name, Channel: "R", Index: i, Value: v}
		}
	}
	return nil
}

// ClipGuard clamps every sample into [-1, 1] and returns how many were
// clamped. Callers must run CheckFinite first; NaN is never clamped.
func ClipGuard(s *Stem) int {
	clipped := 0
	for i := range s.L {
		if c, ok := clamp(s.L[i]); ok {
			s.L[i] = c
			clipped++
		}
		if c, ok := clamp(s.R[i]); ok {
			s.R[i] = c
			clipped++
		}
	}
	return clipped
}

func clamp(v float32) (float32, bool) {
	switch {
	case v > 1:
		return 1, true
	case v < -1:
		return -1, true
	}
	return v, false
}

// Finish is the common tail of every generator: fades, numeric check, clip guard.
func Finish(s *Stem, fadeIn, fadeOut float64) error {
	ApplyFades(s, fadeIn, fadeOut)
	if err := CheckFinite(s); err != nil {
		return err
	}
	ClipGuard(s)
	return nil
}
