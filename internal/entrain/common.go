// Package entrain synthesizes the frequency-scheduled entrainment layers:
// binaural, monaural, isochronic, amplitude-modulated, panning, alternating
// beeps, percussion and localized burst overlays.
package entrain

import (
	"context"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/schedule"
)

const (
	DefaultFadeIn  = 5.0
	DefaultFadeOut = 8.0
)

// Common holds the parameters shared by every entrainment generator.
// Amplitude is applied as-is; generators never auto-normalize.
type Common struct {
	Name      string
	Duration  float64
	Amplitude float64
	FadeIn    float64
	FadeOut   float64
}

func (c Common) check(rc audio.RenderConfig) error {
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("%s: duration must be positive", c.Name)
	}
	if c.Amplitude < 0 || c.Amplitude > 1 {
		return fmt.Errorf("%s: amplitude %g outside [0,1]", c.Name, c.Amplitude)
	}
	return nil
}

// checkBand fails when a curve can push a tone past Nyquist or below zero.
func checkBand(name string, rc audio.RenderConfig, carrier float64, offsets ...*schedule.Curve) error {
	lo, hi := carrier, carrier
	for _, c := range offsets {
		if c == nil {
			continue
		}
		clo, chi := c.Bounds()
		lo = math.Min(lo, carrier-math.Abs(clo))
		lo = math.Min(lo, carrier-math.Abs(chi))
		hi = math.Max(hi, carrier+math.Abs(chi))
		hi = math.Max(hi, carrier+math.Abs(clo))
	}
	if carrier <= 0 {
		return fmt.Errorf("%s: carrier must be positive, got %g", name, carrier)
	}
	if lo <= 0 {
		return fmt.Errorf("%s: carrier %g Hz too low for the scheduled beat range", name, carrier)
	}
	if hi >= rc.Nyquist() {
		return fmt.Errorf("%s: tone reaches %g Hz at or above Nyquist %g Hz", name, hi, rc.Nyquist())
	}
	return nil
}

// synth runs fill once per frame in time order, in blocks so cancellation is
// observed, then applies the common amplitude, fades and clip guard.
func (c Common) synth(ctx context.Context, rc audio.RenderConfig, fill func(t float64) (l, r float64)) (*audio.Stem, error) {
	frames := audio.FramesFor(c.Duration, rc.SampleRate)
	st := audio.NewStem(c.Name, rc.SampleRate, frames)
	sr := float64(rc.SampleRate)
	block := rc.Block()
	for start := 0; start < frames; start += block {
		if err := audio.Interrupted(ctx, c.Name); err != nil {
			return nil, err
		}
		end := min(start+block, frames)
		for i := start; i < end; i++ {
			l, r := fill(float64(i) / sr)
			st.L[i] = float32(c.Amplitude * l)
			st.R[i] = float32(c.Amplitude * r)
		}
	}
	if err := audio.Finish(st, c.FadeIn, c.FadeOut); err != nil {
		return nil, err
	}
	return st, nil
}

// osc is a phase accumulator measured in cycles. step returns the sine at the
// current phase and then advances by freq, so the instantaneous frequency
// between two frames is exactly the frequency passed in.
type osc struct {
	phase float64
}

func (o *osc) step(freq, sampleRate float64) float64 {
	v := math.Sin(2 * math.Pi * o.phase)
	o.advance(freq, sampleRate)
	return v
}

func (o *osc) advance(freq, sampleRate float64) {
	o.phase += freq / sampleRate
	o.phase -= math.Floor(o.phase)
}

// constantPower returns left/right gains for pan position p in [0,1].
func constantPower(p float64) (float64, float64) {
	p = math.Max(0, math.Min(1, p))
	return math.Cos(p * math.Pi / 2), math.Sin(p * math.Pi / 2)
}
