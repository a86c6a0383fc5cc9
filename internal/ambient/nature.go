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

type Scene string

const (
	Rain   Scene = "rain"
	Stream Scene = "stream"
	Forest Scene = "forest"
	Ocean  Scene = "ocean"
)

func ParseScene(v string) (Scene, error) {
	switch s := Scene(strings.ToLower(strings.TrimSpace(v))); s {
	case Rain, Stream, Forest, Ocean:
		return s, nil
	}
	return "", fmt.Errorf("unknown nature scene %q (want rain|stream|forest|ocean)", v)
}

// grain is one transient voice: a gliding sine or a filtered noise burst.
type grain struct {
	age, length int
	freq, glide float64
	decay       float64
	// smooth selects a sine window instead of attack + exponential decay.
	smooth bool
	noise  *dsp.Biquad
	amp    float64
	gl, gr float64
	phase  float64
}

func (g *grain) done() bool { return g.age >= g.length }

func (g *grain) next(r *rand.Rand, sr float64) (float64, float64) {
	t := float64(g.age) / sr
	var env float64
	if g.smooth {
		env = math.Sin(math.Pi * float64(g.age) / float64(g.length))
	} else {
		env = math.Min(1, t/0.002) * math.Exp(-t/g.decay)
	}
	var v float64
	if g.noise != nil {
		v = g.noise.Process(dsp.Bipolar(r))
	} else {
		v = math.Sin(2 * math.Pi * g.phase)
		g.phase += (g.freq + g.glide*t) / sr
		g.phase -= math.Floor(g.phase)
	}
	g.age++
	v *= env * g.amp
	return v * g.gl, v * g.gr
}

// voices is the set of live grains of a scene.
type voices struct {
	active []*grain
}

func (vs *voices) add(g *grain) { vs.active = append(vs.active, g) }

func (vs *voices) mix(r *rand.Rand, sr float64) (l, rr float64) {
	live := vs.active[:0]
	for _, g := range vs.active {
		gl, gr := g.next(r, sr)
		l += gl
		rr += gr
		if !g.done() {
			live = append(live, g)
		}
	}
	vs.active = live
	return l, rr
}

func pan(r *rand.Rand, width float64) (float64, float64) {
	p := 0.5 + width*dsp.Range(r, -0.5, 0.5)
	return math.Cos(p * math.Pi / 2), math.Sin(p * math.Pi / 2)
}

// Nature synthesizes a procedural soundscape. Variation in [0,1] scales the
// density and spread of the randomized transient events.
type Nature struct {
	Base
	Scene     Scene
	Variation float64
}

func (n *Nature) Name() string { return n.Base.Name }
func (n *Nature) Kind() string { return "nature" }

func (n *Nature) Generate(ctx context.Context, rc audio.RenderConfig) (*audio.Stem, error) {
	if err := n.check(rc); err != nil {
		return nil, err
	}
	if n.Variation < 0 || n.Variation > 1 {
		return nil, fmt.Errorf("%s: variation %g outside [0,1]", n.Base.Name, n.Variation)
	}
	seed := rc.LayerSeed(n.Base.Name)
	var fill func(int) (float64, float64)
	switch n.Scene {
	case Rain:
		fill = n.rain(rc, seed)
	case Stream:
		fill = n.stream(rc, seed)
	case Forest:
		fill = n.forest(rc, seed)
	case Ocean:
		fill = n.ocean(rc, seed)
	default:
		return nil, fmt.Errorf("%s: unknown scene %q", n.Base.Name, n.Scene)
	}
	return n.render(ctx, rc, fill)
}

// bed returns a stereo pair of independent filtered noise sources.
func bed(color Color, r *rand.Rand, filters func() dsp.Chain) func() (float64, float64) {
	ls, rs := newSource(color, PinkFilter, dsp.NewRand(r.Uint64())), newSource(color, PinkFilter, dsp.NewRand(r.Uint64()))
	lf, rf := filters(), filters()
	return func() (float64, float64) {
		return lf.Process(ls.next()), rf.Process(rs.next())
	}
}

// rain: broadband hiss plus sparse bright drops.
func (n *Nature) rain(rc audio.RenderConfig, seed uint64) func(int) (float64, float64) {
	r := dsp.NewRand(seed)
	sr := float64(rc.SampleRate)
	hiss := bed(Pink, r, func() dsp.Chain {
		return dsp.Chain{dsp.HighPass(400, 0.7071, rc.SampleRate), dsp.LowPass(9000, 0.7071, rc.SampleRate)}
	})
	rate := 6 + 60*n.Variation
	top := math.Min(6000, 0.4*sr)
	var vs voices
	return func(int) (float64, float64) {
		if dsp.Poisson(r, rate, rc.SampleRate) {
			gl, gr := pan(r, 0.9)
			decay := dsp.Range(r, 0.004, 0.015)
			vs.add(&grain{
				length: int(decay * 6 * sr),
				freq:   dsp.Range(r, 1800, top),
				glide:  -dsp.Range(r, 2000, 8000),
				decay:  decay,
				amp:    dsp.Range(r, 0.1, 0.35),
				gl:     gl,
				gr:     gr,
			})
		}
		l, rr := hiss()
		dl, dr := vs.mix(r, sr)
		return 0.45*l + dl, 0.45*rr + dr
	}
}

// stream: slowly modulated band noise plus rising burbles.
func (n *Nature) stream(rc audio.RenderConfig, seed uint64) func(int) (float64, float64) {
	r := dsp.NewRand(seed)
	sr := float64(rc.SampleRate)
	water := bed(White, r, func() dsp.Chain {
		return dsp.Chain{dsp.BandPass(900, 0.6, rc.SampleRate), dsp.LowPass(5000, 0.7071, rc.SampleRate)}
	})
	lfoRate := dsp.Range(r, 0.08, 0.25)
	lfoPhase := r.Float64()
	rate := 2 + 20*n.Variation
	var vs voices
	return func(i int) (float64, float64) {
		t := float64(i) / sr
		mod := 0.75 + 0.25*math.Sin(2*math.Pi*(lfoRate*t+lfoPhase))
		if dsp.Poisson(r, rate, rc.SampleRate) {
			gl, gr := pan(r, 0.7)
			length := dsp.Range(r, 0.03, 0.09)
			vs.add(&grain{
				length: int(length * sr),
				freq:   dsp.Range(r, 250, 700),
				glide:  dsp.Range(r, 2000, 9000),
				smooth: true,
				amp:    dsp.Range(r, 0.08, 0.25),
				gl:     gl,
				gr:     gr,
			})
		}
		l, rr := water()
		bl, br := vs.mix(r, sr)
		return 0.8*mod*l + bl, 0.8*mod*rr + br
	}
}

// forest: gusting low wind plus occasional bird chirps.
func (n *Nature) forest(rc audio.RenderConfig, seed uint64) func(int) (float64, float64) {
	r := dsp.NewRand(seed)
	sr := float64(rc.SampleRate)
	wind := bed(Pink, r, func() dsp.Chain {
		return dsp.Chain{dsp.LowPass(500, 0.7071, rc.SampleRate), dsp.HighPass(60, 0.7071, rc.SampleRate)}
	})
	gustRate := dsp.Range(r, 0.03, 0.1)
	gustPhase := r.Float64()
	rate := 0.2 + 2.5*n.Variation
	top := math.Min(6500, 0.3*sr)
	var vs voices
	return func(i int) (float64, float64) {
		t := float64(i) / sr
		gust := 0.6 + 0.4*math.Sin(2*math.Pi*(gustRate*t+gustPhase))
		if dsp.Poisson(r, rate, rc.SampleRate) {
			gl, gr := pan(r, 1)
			base := dsp.Range(r, 2200, top)
			length := dsp.Range(r, 0.05, 0.16)
			vs.add(&grain{
				length: int(length * sr),
				freq:   base,
				glide:  dsp.Range(r, -0.5, 0.5) * base / length,
				smooth: true,
				amp:    dsp.Range(r, 0.05, 0.2),
				gl:     gl,
				gr:     gr,
			})
		}
		l, rr := wind()
		cl, cr := vs.mix(r, sr)
		return gust*l + cl, gust*rr + cr
	}
}

// ocean: low surf under a slow swell envelope with a foam wash on each crest.
func (n *Nature) ocean(rc audio.RenderConfig, seed uint64) func(int) (float64, float64) {
	r := dsp.NewRand(seed)
	sr := float64(rc.SampleRate)
	surf := bed(Pink, r, func() dsp.Chain {
		return dsp.Chain{dsp.LowPass(1200, 0.7071, rc.SampleRate)}
	})
	period := dsp.Range(r, 8, 12)
	phase := 0.0
	extra := 0.05 + 0.3*n.Variation
	var vs voices
	foam := func(scale float64) {
		gl, gr := pan(r, 0.6)
		decay := dsp.Range(r, 0.4, 1.2)
		vs.add(&grain{
			length: int(decay * 5 * sr),
			decay:  decay,
			noise:  dsp.HighPass(dsp.Range(r, 1500, math.Min(4000, 0.4*sr)), 0.7071, rc.SampleRate),
			amp:    scale * dsp.Range(r, 0.15, 0.3),
			gl:     gl,
			gr:     gr,
		})
	}
	return func(int) (float64, float64) {
		prev := phase
		phase += 1 / (period * sr)
		if prev < 0.5 && phase >= 0.5 {
			foam(1)
		}
		if phase >= 1 {
			phase--
			period = math.Max(4, period+dsp.Range(r, -1.5, 1.5)*(0.5+n.Variation))
		}
		if dsp.Poisson(r, extra, rc.SampleRate) {
			foam(0.5)
		}
		swell := 0.25 + 0.75*(0.5-0.5*math.Cos(2*math.Pi*phase))
		l, rr := surf()
		fl, fr := vs.mix(r, sr)
		return swell*l + fl, swell*rr + fr
	}
}
