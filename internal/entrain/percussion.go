package entrain

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
	"github.com/loqalabs/loqa-render/internal/schedule"
)

// Pattern is a repeating cycle of weighted hits measured in beats.
type Pattern struct {
	Name  string
	Cycle float64
	Hits  []Hit
}

type Hit struct {
	Beat     float64
	Strength float64
}

var patterns = map[string]Pattern{
	"steady": {Name: "steady", Cycle: 1, Hits: []Hit{{0, 1}}},
	// strong-weak-medium
	"shamanic": {Name: "shamanic", Cycle: 3, Hits: []Hit{{0, 1}, {1, 0.55}, {2, 0.8}}},
	// boom-boom-pause
	"heartbeat": {Name: "heartbeat", Cycle: 1, Hits: []Hit{{0, 1}, {0.28, 0.75}}},
}

func LookupPattern(name string) (Pattern, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "steady"
	}
	p, ok := patterns[key]
	if !ok {
		return Pattern{}, fmt.Errorf("unknown percussion pattern %q (want steady|shamanic|heartbeat)", name)
	}
	return p, nil
}

const (
	MaxTempoBPM   = 600
	hitAttack     = 0.001
	sweepTime     = 0.03
	clickDecay    = 0.002
	clickLevel    = 0.25
	defaultPitch  = 60.0
	defaultSweep  = 2.5
	defaultDecayS = 0.35
)

// Percussion places synthesized drum hits on a tempo curve in BPM.
type Percussion struct {
	Common
	Tempo   *schedule.Curve
	Pattern Pattern
	// Pitch is the resting frequency of each hit; Sweep is how far above it
	// the hit starts, as a multiple of Pitch.
	Pitch float64
	Sweep float64
	Decay float64
	// Spread in [0,1] randomizes each hit's stereo position around center.
	Spread float64
}

func (p *Percussion) Name() string { return p.Common.Name }
func (p *Percussion) Kind() string { return "percussion" }

type trigger struct {
	frame    int
	strength float64
}

func (p *Percussion) defaults() (pitch, sweep, decay float64) {
	pitch, sweep, decay = p.Pitch, p.Sweep, p.Decay
	if pitch <= 0 {
		pitch = defaultPitch
	}
	if sweep < 0 {
		sweep = 0
	} else if sweep == 0 {
		sweep = defaultSweep
	}
	if decay <= 0 {
		decay = defaultDecayS
	}
	return pitch, sweep, decay
}

func (p *Percussion) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := p.check(rc); err != nil {
		return nil, err
	}
	if p.Pattern.Cycle <= 0 || len(p.Pattern.Hits) == 0 {
		return nil, fmt.Errorf("%s: empty percussion pattern", p.Common.Name)
	}
	if p.Spread < 0 || p.Spread > 1 {
		return nil, fmt.Errorf("%s: spread %g outside [0,1]", p.Common.Name, p.Spread)
	}
	lo, hi := p.Tempo.Bounds()
	if lo <= 0 || hi > MaxTempoBPM {
		return nil, fmt.Errorf("%s: tempo range [%g, %g] BPM outside (0, %d]", p.Common.Name, lo, hi, MaxTempoBPM)
	}
	pitch, sweep, decay := p.defaults()
	if err := checkBand(p.Common.Name, rc, pitch*(1+sweep)); err != nil {
		return nil, err
	}

	frames := audio.FramesFor(p.Duration, rc.SampleRate)
	sr := float64(rc.SampleRate)
	triggers, err := p.triggers(ctx, rc, frames)
	if err != nil {
		return nil, err
	}

	left := make([]float64, frames)
	right := make([]float64, frames)
	rng := dsp.NewRand(rc.LayerSeed(p.Common.Name))
	length := int(decay * 7 * sr)
	for _, tr := range triggers {
		if err := audio.Interrupted(ctx, p.Common.Name); err != nil {
			return nil, err
		}
		gl, gr := constantPower(0.5 + p.Spread*dsp.Range(rng, -0.5, 0.5))
		var o osc
		for k := 0; k < length && tr.frame+k < frames; k++ {
			t := float64(k) / sr
			f := pitch * (1 + sweep*math.Exp(-t/sweepTime))
			env := math.Min(1, t/hitAttack) * math.Exp(-t/decay)
			click := dsp.Bipolar(rng) * clickLevel * math.Exp(-t/clickDecay)
			v := tr.strength * (o.step(f, sr)*env + click)
			left[tr.frame+k] += v * gl
			right[tr.frame+k] += v * gr
		}
	}
	return p.synth(ctx, rc, func(t float64) (float64, float64) {
		i := int(math.Round(t * sr))
		return left[i], right[i]
	})
}

// triggers walks the tempo curve and records every frame where the running
// beat count crosses a pattern hit.
func (p *Percussion) triggers(ctx context.Context, rc audio.RenderConfig, frames int) ([]trigger, error) {
	sr := float64(rc.SampleRate)
	cycle := p.Pattern.Cycle
	var out []trigger
	beats := 0.0
	for i := 0; i < frames; i++ {
		if i%rc.Block() == 0 {
			if err := audio.Interrupted(ctx, p.Common.Name); err != nil {
				return nil, err
			}
		}
		next := beats + p.Tempo.Value(float64(i)/sr)/60/sr
		for _, h := range p.Pattern.Hits {
			k := math.Ceil((beats - h.Beat) / cycle)
			if at := h.Beat + k*cycle; at >= beats && at < next {
				out = append(out, trigger{frame: i, strength: h.Strength})
			}
		}
		beats = next
	}
	return out, nil
}
