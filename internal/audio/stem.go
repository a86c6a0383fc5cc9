package audio

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// Stem is a planar stereo float32 buffer produced by a generator or supplied
// externally (voice). Both channels always have the same length.
type Stem struct {
	Name       string
	SampleRate int
	L          []float32
	R          []float32
}

// NewStem allocates a silent stem of the given length in frames.
func NewStem(name string, sampleRate, frames int) *Stem {
	if frames < 0 {
		frames = 0
	}
	return &Stem{
		Name:       name,
		SampleRate: sampleRate,
		L:          make([]float32, frames),
		R:          make([]float32, frames),
	}
}

func (s *Stem) Frames() int {
	if s == nil {
		return 0
	}
	return len(s.L)
}

func (s *Stem) Seconds() float64 {
	if s == nil || s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.L)) / float64(s.SampleRate)
}

func (s *Stem) Duration() time.Duration {
	return time.Duration(s.Seconds() * float64(time.Second))
}

// Clone returns a deep copy under a new name.
func (s *Stem) Clone(name string) *Stem {
	out := &Stem{Name: name, SampleRate: s.SampleRate}
	out.L = append([]float32(nil), s.L...)
	out.R = append([]float32(nil), s.R...)
	return out
}

// Resize pads with silence or trims to exactly frames.
func (s *Stem) Resize(frames int) {
	if frames < 0 {
		frames = 0
	}
	s.L = resize(s.L, frames)
	s.R = resize(s.R, frames)
}

func resize(buf []float32, frames int) []float32 {
	if len(buf) >= frames {
		return buf[:frames]
	}
	out := make([]float32, frames)
	copy(out, buf)
	return out
}

// Scale multiplies both channels by g.
func (s *Stem) Scale(g float64) {
	for i := range s.L {
		s.L[i] = float32(float64(s.L[i]) * g)
		s.R[i] = float32(float64(s.R[i]) * g)
	}
}

// Peak returns the absolute sample peak across both channels.
func (s *Stem) Peak() float64 {
	var peak float64
	for i := range s.L {
		if v := math.Abs(float64(s.L[i])); v > peak {
			peak = v
		}
		if v := math.Abs(float64(s.R[i])); v > peak {
			peak = v
		}
	}
	return peak
}

// RMS returns the root mean square over both channels.
func (s *Stem) RMS() float64 {
	n := len(s.L)
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		l, r := float64(s.L[i]), float64(s.R[i])
		sum += l*l + r*r
	}
	return math.Sqrt(sum / float64(2*n))
}

// FramesFor converts a duration in seconds to a frame count.
func FramesFor(seconds float64, sampleRate int) int {
	return int(math.Round(seconds * float64(sampleRate)))
}

// RenderConfig carries the per-render settings every generator, the mixer and
// the mastering chain need. There is no package-level default: callers
// thread it explicitly.
type RenderConfig struct {
	SampleRate int
	Seed       uint64
	// BlockSize is the number of frames processed between cancellation checks.
	BlockSize int
}

const defaultBlockSize = 1 << 15

func (rc RenderConfig) Validate() error {
	if rc.SampleRate < 8000 || rc.SampleRate > 384000 {
		return fmt.Errorf("sample rate %d out of range [8000, 384000]", rc.SampleRate)
	}
	if rc.BlockSize < 0 {
		return errors.New("block size must be >= 0")
	}
	return nil
}

func (rc RenderConfig) Block() int {
	if rc.BlockSize <= 0 {
		return defaultBlockSize
	}
	return rc.BlockSize
}

// Nyquist returns half the sample rate.
func (rc RenderConfig) Nyquist() float64 { return float64(rc.SampleRate) / 2 }

// LayerSeed derives an independent, reproducible seed for a named layer.
func (rc RenderConfig) LayerSeed(layer string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(layer))
	seed := rc.Seed ^ h.Sum64()
	seed = (seed ^ (seed >> 33)) * 0xff51afd7ed558ccd
	seed = (seed ^ (seed >> 33)) * 0xc4ceb9fe1a85ec53
	return seed ^ (seed >> 33)
}
