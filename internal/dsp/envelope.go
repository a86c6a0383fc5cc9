package dsp

import (
	"fmt"
	"math"
	"strings"
)

// DetectorMode selects how the follower measures level.
type DetectorMode int

const (
	DetectPeak DetectorMode = iota
	DetectRMS
)

func ParseDetectorMode(v string) (DetectorMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "rms":
		return DetectRMS, nil
	case "peak":
		return DetectPeak, nil
	}
	return DetectRMS, fmt.Errorf("unknown detector %q (want peak|rms)", v)
}

func (m DetectorMode) String() string {
	if m == DetectPeak {
		return "peak"
	}
	return "rms"
}

// TimeCoefficient returns the one-pole coefficient for a time constant.
func TimeCoefficient(seconds float64, sampleRate int) float64 {
	if seconds <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * float64(sampleRate)))
}

// rmsWindow is the averaging time of the mean-square stage in RMS mode.
const rmsWindow = 0.010

// Follower is an attack/release envelope follower. In RMS mode the squared
// signal is first averaged symmetrically, then attack/release is applied to
// its square root.
type Follower struct {
	mode     DetectorMode
	attack   float64
	release  float64
	msqCoef  float64
	msq      float64
	envelope float64
}

func NewFollower(mode DetectorMode, attack, release float64, sampleRate int) *Follower {
	return &Follower{
		mode:    mode,
		attack:  TimeCoefficient(attack, sampleRate),
		release: TimeCoefficient(release, sampleRate),
		msqCoef: TimeCoefficient(rmsWindow, sampleRate),
	}
}

// Process feeds one detector input sample and returns the linear envelope.
func (f *Follower) Process(x float64) float64 {
	in := math.Abs(x)
	if f.mode == DetectRMS {
		f.msq = f.msqCoef*f.msq + (1-f.msqCoef)*x*x
		in = math.Sqrt(f.msq)
	}
	coef := f.release
	if in > f.envelope {
		coef = f.attack
	}
	f.envelope = coef*f.envelope + (1-coef)*in
	return f.envelope
}

func (f *Follower) Reset() { f.envelope, f.msq = 0, 0 }

// Smoother is an asymmetric one-pole smoother for gain curves: falls use the
// attack coefficient, rises use the release coefficient.
type Smoother struct {
	attack  float64
	release float64
	value   float64
}

func NewSmoother(attack, release float64, sampleRate int, initial float64) *Smoother {
	return &Smoother{
		attack:  TimeCoefficient(attack, sampleRate),
		release: TimeCoefficient(release, sampleRate),
		value:   initial,
	}
}

func (s *Smoother) Process(target float64) float64 {
	coef := s.release
	if target < s.value {
		coef = s.attack
	}
	s.value = coef*s.value + (1-coef)*target
	return s.value
}
