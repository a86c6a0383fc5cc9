package ambient

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/dsp"
)

type EffectKind string

const (
	Bell    EffectKind = "bell"
	Drone   EffectKind = "drone"
	Shimmer EffectKind = "shimmer"
)

func ParseEffectKind(v string) (EffectKind, error) {
	switch k := EffectKind(strings.ToLower(strings.TrimSpace(v))); k {
	case Bell, Drone, Shimmer:
		return k, nil
	}
	return "", fmt.Errorf("unknown effect %q (want bell|drone|shimmer)", v)
}

// Cue places one effect on the timeline. Pan is in [-1, 1]; Freq of zero
// picks the effect's default pitch.
type Cue struct {
	Kind      EffectKind
	At        float64
	Duration  float64
	Amplitude float64
	Pan       float64
	Freq      float64
}

var defaultEffectFreq = map[EffectKind]float64{
	Bell:    528,
	Drone:   55,
	Shimmer: 5000,
}

// Struck-metal partial ratios and relative levels.
var (
	bellRatios = []float64{1, 2.756, 5.404, 8.933, 13.345}
	bellLevels = []float64{1, 0.6, 0.4, 0.25, 0.15}
)

// Effects renders positioned one-shot cues onto an otherwise silent stem.
type Effects struct {
	Base
	Cues []Cue
}

func (e *Effects) Name() string { return e.Base.Name }
func (e *Effects) Kind() string { return "effects" }

func (e *Effects) validate(rc audio.RenderConfig) error {
	if err := e.check(rc); err != nil {
		return err
	}
	for i, c := range e.Cues {
		switch {
		case c.At < 0 || c.At >= e.Duration:
			return fmt.Errorf("%s: cue %d (%s) at %gs outside [0, %gs)", e.Base.Name, i, c.Kind, c.At, e.Duration)
		case c.Duration <= 0:
			return fmt.Errorf("%s: cue %d (%s) duration must be positive", e.Base.Name, i, c.Kind)
		case c.Amplitude < 0 || c.Amplitude > 1:
			return fmt.Errorf("%s: cue %d (%s) amplitude %g outside [0,1]", e.Base.Name, i, c.Kind, c.Amplitude)
		case c.Pan < -1 || c.Pan > 1:
			return fmt.Errorf("%s: cue %d (%s) pan %g outside [-1,1]", e.Base.Name, i, c.Kind, c.Pan)
		case c.Freq < 0 || c.Freq >= rc.Nyquist():
			return fmt.Errorf("%s: cue %d (%s) frequency %g Hz outside [0, %g)", e.Base.Name, i, c.Kind, c.Freq, rc.Nyquist())
		}
		if _, ok := defaultEffectFreq[c.Kind]; !ok {
			return fmt.Errorf("%s: cue %d has unknown kind %q", e.Base.Name, i, c.Kind)
		}
	}
	return nil
}

func (e *Effects) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := e.validate(rc); err != nil {
		return nil, err
	}
	frames := audio.FramesFor(e.Duration, rc.SampleRate)
	left := make([]float64, frames)
	right := make([]float64, frames)
	r := dsp.NewRand(rc.LayerSeed(e.Base.Name))
	for _, c := range e.Cues {
		if err := audio.Interrupted(ctx, e.Base.Name); err != nil {
			return nil, err
		}
		start := audio.FramesFor(c.At, rc.SampleRate)
		n := min(audio.FramesFor(c.Duration, rc.SampleRate), frames-start)
		voice := renderCue(c, n, r, rc)
		p := (c.Pan + 1) / 2
		gl, gr := math.Cos(p*math.Pi/2), math.Sin(p*math.Pi/2)
		for i, v := range voice {
			left[start+i] += v[0] * gl * c.Amplitude
			right[start+i] += v[1] * gr * c.Amplitude
		}
	}
	return e.render(ctx, rc, func(i int) (float64, float64) {
		return left[i], right[i]
	})
}

// renderCue synthesizes n frames of one cue at unity level before panning.
func renderCue(c Cue, n int, r *rand.Rand, rc audio.RenderConfig) [][2]float64 {
	freq := c.Freq
	if freq == 0 {
		freq = defaultEffectFreq[c.Kind]
	}
	sr := float64(rc.SampleRate)
	out := make([][2]float64, n)
	switch c.Kind {
	case Bell:
		var total float64
		for _, lv := range bellLevels {
			total += lv
		}
		for k, ratio := range bellRatios {
			f := freq * ratio
			if f >= 0.45*sr {
				break
			}
			decay := c.Duration / 5 / (1 + 0.8*float64(k))
			for i := range out {
				t := float64(i) / sr
				v := bellLevels[k] / total * math.Min(1, t/0.002) * math.Exp(-t/decay) * math.Sin(2*math.Pi*f*t)
				out[i][0] += v
				out[i][1] += v
			}
		}
	case Drone:
		driftRate := dsp.Range(r, 0.05, 0.15)
		driftPhase := r.Float64()
		partials := []struct{ ratio, level float64 }{{1, 0.5}, {1.5, 0.25}, {2.003, 0.25}}
		for i := range out {
			t := float64(i) / sr
			env := edgeWindow(float64(i)/float64(n), 0.2)
			drift := 0.8 + 0.2*math.Sin(2*math.Pi*(driftRate*t+driftPhase))
			var v float64
			for _, p := range partials {
				if f := freq * p.ratio; f < 0.45*sr {
					v += p.level * math.Sin(2*math.Pi*f*t)
				}
			}
			out[i][0] += v * env * drift
			out[i][1] += v * env * drift
		}
	case Shimmer:
		var vs voices
		top := math.Min(freq*1.8, 0.45*sr)
		lo := math.Min(freq*0.6, top)
		for i := range out {
			if dsp.Poisson(r, 40, rc.SampleRate) {
				gl, gr := pan(r, 1)
				vs.add(&grain{
					length: int(dsp.Range(r, 0.02, 0.06) * sr),
					freq:   dsp.Range(r, lo, top),
					smooth: true,
					amp:    0.4,
					gl:     gl,
					gr:     gr,
				})
			}
			l, rr := vs.mix(r, sr)
			env := edgeWindow(float64(i)/float64(n), 0.3)
			out[i][0] += l * env
			out[i][1] += rr * env
		}
	}
	return out
}

// edgeWindow is a raised-cosine fade over the first and last frac of [0,1].
func edgeWindow(pos, frac float64) float64 {
	switch {
	case pos < frac:
		return 0.5 - 0.5*math.Cos(math.Pi*pos/frac)
	case pos > 1-frac:
		return 0.5 - 0.5*math.Cos(math.Pi*(1-pos)/frac)
	}
	return 1
}
