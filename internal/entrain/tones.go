package entrain

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/schedule"
)

// Binaural plays the carrier in the left ear and carrier+beat(t) in the right.
type Binaural struct {
	Common
	Carrier float64
	Beat    *schedule.Curve
}

func (b *Binaural) Name() string { return b.Common.Name }
func (b *Binaural) Kind() string { return "binaural" }

// Frequencies returns the instantaneous left and right tone frequencies at t.
func (b *Binaural) Frequencies(t float64) (left, right float64) {
	return b.Carrier, b.Carrier + b.Beat.Value(t)
}

func (b *Binaural) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := b.check(rc); err != nil {
		return nil, err
	}
	if err := checkBand(b.Common.Name, rc, b.Carrier, b.Beat); err != nil {
		return nil, err
	}
	sr := float64(rc.SampleRate)
	var left, right osc
	return b.synth(ctx, rc, func(t float64) (float64, float64) {
		fl, fr := b.Frequencies(t)
		return left.step(fl, sr), right.step(fr, sr)
	})
}

// Monaural sums two tones spaced by beat(t) around the carrier and plays the
// identical mix in both channels.
type Monaural struct {
	Common
	Carrier float64
	Beat    *schedule.Curve
}

func (m *Monaural) Name() string { return m.Common.Name }
func (m *Monaural) Kind() string { return "monaural" }

func (m *Monaural) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := m.check(rc); err != nil {
		return nil, err
	}
	if err := checkBand(m.Common.Name, rc, m.Carrier, m.Beat); err != nil {
		return nil, err
	}
	sr := float64(rc.SampleRate)
	var lower, upper osc
	return m.synth(ctx, rc, func(t float64) (float64, float64) {
		half := m.Beat.Value(t) / 2
		v := 0.5 * (lower.step(m.Carrier-half, sr) + upper.step(m.Carrier+half, sr))
		return v, v
	})
}

// GateShape selects the isochronic pulse envelope.
type GateShape string

const (
	GateSine   GateShape = "sine"
	GateSquare GateShape = "square"
)

func ParseGateShape(v string) (GateShape, error) {
	switch GateShape(strings.ToLower(strings.TrimSpace(v))) {
	case "", GateSine:
		return GateSine, nil
	case GateSquare:
		return GateSquare, nil
	}
	return "", fmt.Errorf("unknown isochronic shape %q (want sine|square)", v)
}

// squareRamp is the fraction of a cycle spent on each edge of a square gate.
const squareRamp = 0.05

// gate returns the pulse envelope at cycle position frac in [0,1).
func gate(shape GateShape, frac, duty float64) float64 {
	if shape == GateSine {
		return 0.5 - 0.5*math.Cos(2*math.Pi*frac)
	}
	ramp := math.Min(squareRamp, duty/2)
	switch {
	case frac >= duty:
		return 0
	case frac < ramp:
		return frac / ramp
	case frac > duty-ramp:
		return (duty - frac) / ramp
	}
	return 1
}

// Isochronic gates a single carrier on and off at rate(t).
type Isochronic struct {
	Common
	Carrier float64
	Rate    *schedule.Curve
	Shape   GateShape
	// Duty is the on fraction of each square cycle.
	Duty float64
}

func (g *Isochronic) Name() string { return g.Common.Name }
func (g *Isochronic) Kind() string { return "isochronic" }

func (g *Isochronic) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := g.check(rc); err != nil {
		return nil, err
	}
	if err := checkBand(g.Common.Name, rc, g.Carrier); err != nil {
		return nil, err
	}
	duty := g.Duty
	if duty <= 0 || duty >= 1 {
		duty = 0.5
	}
	sr := float64(rc.SampleRate)
	var tone, pulse osc
	return g.synth(ctx, rc, func(t float64) (float64, float64) {
		env := gate(g.Shape, pulse.phase, duty)
		pulse.advance(g.Rate.Value(t), sr)
		v := tone.step(g.Carrier, sr) * env
		return v, v
	})
}

// AmplitudeModulated scales the carrier between 1-depth and 1 at rate(t).
type AmplitudeModulated struct {
	Common
	Carrier float64
	Rate    *schedule.Curve
	Depth   float64
}

func (a *AmplitudeModulated) Name() string { return a.Common.Name }
func (a *AmplitudeModulated) Kind() string { return "am" }

func (a *AmplitudeModulated) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := a.check(rc); err != nil {
		return nil, err
	}
	if a.Depth < 0 || a.Depth > 1 {
		return nil, fmt.Errorf("%s: modulation depth %g outside [0,1]", a.Common.Name, a.Depth)
	}
	if err := checkBand(a.Common.Name, rc, a.Carrier); err != nil {
		return nil, err
	}
	sr := float64(rc.SampleRate)
	var tone, mod osc
	return a.synth(ctx, rc, func(t float64) (float64, float64) {
		m := 1 - a.Depth*(0.5-0.5*math.Cos(2*math.Pi*mod.phase))
		mod.advance(a.Rate.Value(t), sr)
		v := tone.step(a.Carrier, sr) * m
		return v, v
	})
}

// Panning sweeps a tone between the ears with constant-power panning at
// pan_speed(t). An optional beat curve adds amplitude modulation.
type Panning struct {
	Common
	Carrier   float64
	PanSpeed  *schedule.Curve
	Beat      *schedule.Curve
	BeatDepth float64
	// Width scales the sweep; 1 reaches hard left and right.
	Width float64
}

func (p *Panning) Name() string { return p.Common.Name }
func (p *Panning) Kind() string { return "panning" }

func (p *Panning) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := p.check(rc); err != nil {
		return nil, err
	}
	if err := checkBand(p.Common.Name, rc, p.Carrier); err != nil {
		return nil, err
	}
	width := p.Width
	if width <= 0 || width > 1 {
		width = 1
	}
	sr := float64(rc.SampleRate)
	var tone, pan, beat osc
	return p.synth(ctx, rc, func(t float64) (float64, float64) {
		pos := 0.5 + 0.5*width*math.Sin(2*math.Pi*pan.phase)
		pan.advance(p.PanSpeed.Value(t), sr)
		m := 1.0
		if p.Beat != nil {
			m = 1 - p.BeatDepth*(0.5-0.5*math.Cos(2*math.Pi*beat.phase))
			beat.advance(p.Beat.Value(t), sr)
		}
		v := tone.step(p.Carrier, sr) * m
		gl, gr := constantPower(pos)
		return v * gl, v * gr
	})
}

// Beep envelope proportions of each burst.
const (
	beepAttack  = 0.05
	beepRelease = 0.05
)

// beepEnvelope is a linear attack 5 %, sustain 90 %, release 5 % shape over pos in [0,1].
func beepEnvelope(pos float64) float64 {
	switch {
	case pos < 0 || pos >= 1:
		return 0
	case pos < beepAttack:
		return pos / beepAttack
	case pos > 1-beepRelease:
		return (1 - pos) / beepRelease
	}
	return 1
}

// AlternateBeeps plays short tone bursts alternating strictly between the
// left and right channel, rate(t) bursts per second.
type AlternateBeeps struct {
	Common
	Carrier float64
	Rate    *schedule.Curve
	// Duty is the fraction of each slot occupied by the burst.
	Duty float64
}

func (b *AlternateBeeps) Name() string { return b.Common.Name }
func (b *AlternateBeeps) Kind() string { return "beeps" }

func (b *AlternateBeeps) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := b.check(rc); err != nil {
		return nil, err
	}
	if err := checkBand(b.Common.Name, rc, b.Carrier); err != nil {
		return nil, err
	}
	duty := b.Duty
	if duty <= 0 || duty > 1 {
		duty = 0.8
	}
	sr := float64(rc.SampleRate)
	var tone osc
	var slots float64
	return b.synth(ctx, rc, func(t float64) (float64, float64) {
		index := math.Floor(slots)
		env := beepEnvelope((slots - index) / duty)
		slots += b.Rate.Value(t) / sr
		v := tone.step(b.Carrier, sr) * env
		if int64(index)%2 == 0 {
			return v, 0
		}
		return 0, v
	})
}
